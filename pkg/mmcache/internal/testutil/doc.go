// Package testutil runs the same operation stream against an mmcache store
// and the in-memory model in ./model, then compares results and state.
//
// Operations are decoded from raw bytes so the fuzzer can explore the space
// and deterministic tests can replay fixed seeds.
package testutil
