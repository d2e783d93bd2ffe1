// Package node implements the work loop that drives the worker through the
// on-chain job market.
//
// The loop is a single-goroutine state machine ticking on a poll interval:
//
//	checking-health → idle → queued → claimed → settling → idle
//
// Each tick gates on the cached health verdict, looks for a run assigned to
// this node, and either advances the active flow or manages queue
// membership. Blocking work (container execution, git operations, uploads)
// runs on a worker goroutine bounded by the flow's deadline; the loop only
// observes its progress through the flow store.
//
// Two rules keep restarts safe: the job→flow binding and the flow itself are
// durable before a flow is scheduled, and the active flow is cleared only
// after the finish or quit transaction is observed as confirmed. A process
// that dies mid-flow resumes it on the next start from the persisted
// results.
//
// Transient RPC, blob and engine failures are logged and dropped; the loop
// stays in its current state and retries on the next tick.
package node
