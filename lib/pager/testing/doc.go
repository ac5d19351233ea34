// Package testing provides standardised tests for implementations of the
// pager.IPager interface and a fault-injecting pager wrapper.
//
// The package contains:
//   - RunPagerTests: a conformance suite every pager implementation must pass
//   - FaultyPager: wraps any pager and injects read/write failures or blocks reads,
//     used by the engine tests to exercise I/O error recovery and contention
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() pager.IPager {
//		return NewMyPager()
//	}
//
//	// Running the standard test suite
//	pagertesting.RunPagerTests(t, "MyPager", factory)
package testing
