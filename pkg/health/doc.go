// Package health classifies the node as healthy or unhealthy for taking
// work: signer and blob credentials present, SOL balance at or above the minimum,
// market access key held, container engine reachable. Verdicts are cached
// for fifteen minutes.
package health
