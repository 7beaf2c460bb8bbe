// Package cache provides the tenant-namespaced distributed cache layer and a
// bounded in-process L1 used for permission-set snapshots.
//
// All entries here are performance optimizations over the control-plane
// store: every value is re-derivable, and correctness-sensitive changes
// (grant revocation, tenant suspension) invalidate explicitly rather than
// relying on TTL expiry.
package cache
