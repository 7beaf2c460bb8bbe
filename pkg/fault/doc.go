// Package fault defines the error taxonomy shared across the platform core
// and the single-retry policy for transient backing-store failures.
package fault
