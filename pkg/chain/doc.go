// Package chain provides the Solana JSON-RPC client, transaction wire
// encoding and key handling used by the market adapter.
package chain
