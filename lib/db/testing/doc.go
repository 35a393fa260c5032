// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.TupleDB interface.
//
// The package contains:
//   - testing: A test suite for validating conformance to the TupleDB interface contract
//     (round trips, atomic replace, monotonic stamps, expiry and sweeping, wildcard scans)
//   - benchmark: Performance tests for measuring throughput of common database operations
//
// The factory receives the clock the database must use. Expiry tests pass a
// *clock.Mock and move time forward explicitly.
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func(clk clock.Clock) db.TupleDB {
//		return NewMyDatabase(clk)
//	}
//
//	// Running the standard test suite
//	dbtesting.RunTupleDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunTupleDBBenchmarks(b, "MyDatabase", factory)
package testing
