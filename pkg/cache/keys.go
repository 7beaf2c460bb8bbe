package cache

import "fmt"

// Key builders. Every key is namespaced by schema or tenant so that entries
// for one tenant can never be read back in another tenant's context.

// UserKey caches an identity resolution under the schema it resolved in.
func UserKey(schema, identifier string) string {
	return fmt.Sprintf("user:%s:%s", schema, identifier)
}

// PermsKey caches a user's effective permission set.
func PermsKey(schema, userID string) string {
	return fmt.Sprintf("perms:%s:%s", schema, userID)
}

// SchemaKey caches a tenant-to-schema resolution.
func SchemaKey(tenantID string) string {
	return fmt.Sprintf("schema:%s", tenantID)
}
