// Package util provides small building blocks shared by the engine and the CLI.
//
// The package contains:
//   - lockfreempsc: a lock-free multi-producer single-consumer queue, used to feed
//     collapse hints to the background collapser without blocking the hot path
//   - statistics: summary statistics and a bucket histogram, used for chain depth reports
//   - functions: seed generation for reproducible workloads
package util
