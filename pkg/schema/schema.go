package schema

import (
	"fmt"
	"regexp"

	"github.com/latticehq/lattice/pkg/fault"
)

// ControlPlane is the schema holding platform-level tables: the tenant
// directory, connection registry, and control-plane user accounts.
const ControlPlane = "admin"

// Postgres truncates identifiers beyond 63 bytes, which would silently remap
// a long schema name onto a different one.
const maxSchemaLen = 63

var tenantSchemaPattern = regexp.MustCompile(`^tenant_[a-z0-9_]+$`)

// Validate accepts only the control-plane schema or a well-formed tenant
// schema name. It runs on every use of a schema name, including names read
// back from the cache, before the name is ever interpolated into SQL.
func Validate(name string) error {
	if name == ControlPlane {
		return nil
	}
	if len(name) > maxSchemaLen {
		return fmt.Errorf("%q exceeds %d bytes: %w", name, maxSchemaLen, fault.ErrInvalidSchema)
	}
	if !tenantSchemaPattern.MatchString(name) {
		return fmt.Errorf("%q: %w", name, fault.ErrInvalidSchema)
	}
	return nil
}

// Qualify prefixes a table with a validated schema. It panics on an invalid
// name; callers must have validated already, so reaching the panic means a
// name was interpolated without going through Validate.
func Qualify(schemaName, table string) string {
	if err := Validate(schemaName); err != nil {
		panic(fmt.Sprintf("unvalidated schema name reached SQL construction: %v", err))
	}
	return fmt.Sprintf("%s.%s", schemaName, table)
}
