// Package pool manages one bounded connection pool per registry entry.
// Acquisition waits at most the configured timeout for a slot, reloads swap
// pools without dropping in-flight work, and unhealthy primaries fail over
// to their same-region backup.
package pool
