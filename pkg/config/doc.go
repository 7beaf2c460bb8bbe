// Package config loads platform core configuration from LATTICE_* environment
// variables with documented defaults. The core itself only consumes the plain
// values; no configuration file format is assumed.
package config
