// Package testutil provides testing utilities, test fixtures, and a mock
// clock for deterministic testing of the identity engine.
package testutil
