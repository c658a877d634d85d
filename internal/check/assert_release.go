//go:build !debug

// Package check holds invariant assertions for the reconcile and driver
// paths. They panic in debug builds and compile away in release builds,
// so a violated invariant surfaces loudly in development without adding
// branches to the appliance binary.
package check

// Assert is a no-op in release builds; cond is still evaluated.
func Assert(_ bool, _ string) {}

// Assertf is a no-op in release builds; cond is still evaluated.
func Assertf(_ bool, _ string, _ ...any) {}
