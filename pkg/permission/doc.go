// Package permission resolves a user's effective permissions from direct,
// role, and team grants, caches the union per (schema, user), and keeps the
// cache coherent by invalidating synchronously on every write path.
package permission
