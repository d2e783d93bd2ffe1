// Package ipfs uploads result documents to a pinning service, fetches job
// documents through a gateway, and converts between CID strings and the
// 32-byte sha2-256 digests stored on chain.
package ipfs
