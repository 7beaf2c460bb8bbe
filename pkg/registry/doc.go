// Package registry holds the connection registry: every named database
// connection the platform can route to, plus the tenant directory mapping
// tenants to schemas and connection names.
//
// The in-memory view is an immutable snapshot swapped atomically on refresh;
// readers take one snapshot reference for the duration of an operation and
// never observe a partially-updated map.
package registry
