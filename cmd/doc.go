// Package cmd implements the command-line interface for the dVM object engine.
// It wires the engine, the pager backends and the snapshot serializers into a
// small set of commands for exercising and measuring the engine.
//
// The package is organized into several subpackages:
//
//   - sim: Process tree simulation (fork, exec, write, exit) with checked reads
//   - perf: Latency measurements of shadow, copy, collapse and deallocate
//   - util: Shared flags, configuration loading and pager setup (internal use)
//
// See dvm -help for a list of all commands.
package cmd
