// Package buildinfo carries version metadata stamped at build time.
package buildinfo

// Version is overridden via -ldflags at release time.
var Version = "0.3.0-dev"
