// Package storage persists flows and job→flow bindings in an embedded
// BoltDB database. Writes are durable before they return; the job binding
// is monotonic and never rebinds a job to a different flow.
package storage
