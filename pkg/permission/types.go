package permission

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Scope qualifies where a permission applies.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTenant Scope = "tenant"
	ScopeTeam   Scope = "team"
)

// Valid reports whether the scope is one of the known values.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeTenant, ScopeTeam:
		return true
	}
	return false
}

// Set is a user's effective permissions. Each entry is "scope:code", so one
// cached set answers checks for any scope without re-resolving. Entries are
// sorted and deduplicated.
type Set []string

// Entry builds the canonical set entry for a scoped permission.
func Entry(scope Scope, code string) string {
	return fmt.Sprintf("%s:%s", scope, code)
}

// Has reports whether the set carries the code in the given scope. A global
// entry satisfies every scope.
func (s Set) Has(code string, scope Scope) bool {
	target := Entry(scope, code)
	global := Entry(ScopeGlobal, code)
	for _, e := range s {
		if e == target || e == global {
			return true
		}
	}
	return false
}

// Scoped returns the codes visible in a scope: its own entries plus global
// ones.
func (s Set) Scoped(scope Scope) []string {
	scopePrefix := string(scope) + ":"
	globalPrefix := string(ScopeGlobal) + ":"

	var codes []string
	seen := map[string]struct{}{}
	for _, e := range s {
		var code string
		switch {
		case strings.HasPrefix(e, scopePrefix):
			code = strings.TrimPrefix(e, scopePrefix)
		case strings.HasPrefix(e, globalPrefix):
			code = strings.TrimPrefix(e, globalPrefix)
		default:
			continue
		}
		if _, dup := seen[code]; !dup {
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// normalize sorts and deduplicates raw entries into a Set.
func normalize(entries []string) Set {
	sort.Strings(entries)
	out := entries[:0]
	var prev string
	for i, e := range entries {
		if i > 0 && e == prev {
			continue
		}
		out = append(out, e)
		prev = e
	}
	return Set(out)
}

// Querier is the subset of database/sql the permission store needs.
// Satisfied by *sql.DB, *sql.Conn, and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Sessions checks out a database session for a schema. release must be
// called when the caller is done.
type Sessions interface {
	Session(ctx context.Context, schemaName string) (q Querier, release func(), err error)
}

// SessionFunc adapts a function to the Sessions interface.
type SessionFunc func(ctx context.Context, schemaName string) (Querier, func(), error)

func (f SessionFunc) Session(ctx context.Context, schemaName string) (Querier, func(), error) {
	return f(ctx, schemaName)
}
