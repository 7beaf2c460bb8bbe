// Package health classifies database connections by probing them on a fixed
// interval. Transitions are asymmetric: a connection degrades gradually as
// consecutive probes fail and recovers the moment one probe succeeds.
package health
