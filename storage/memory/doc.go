// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
//
// Atomicity for single-use operations is provided by taking the write lock
// for the whole test-and-set; a background goroutine evicts expired codes,
// refresh records, and revocation entries.
package memory
