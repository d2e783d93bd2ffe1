// Package flow turns job documents into executable flows and runs them.
//
// A flow is a small DAG of operations (clone, checkout, container run,
// wrap-up) keyed by a content hash of its definition, so the same job
// document always yields the same flow id. Builders are looked up in a
// registry by the document's type tag; new job types register at init.
//
// The runner executes ops in dependency order and persists every result
// before the next op starts. Ops downstream of a failure are marked failed
// without running, except the terminal wrap-up op, which always runs so the
// uploaded result document captures partial failures.
package flow
