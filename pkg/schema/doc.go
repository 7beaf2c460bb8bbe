// Package schema maps tenants to their Postgres schemas and gates every
// schema name behind strict validation before it can appear in SQL.
package schema
