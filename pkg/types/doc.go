// Package types holds the shared data model: on-chain market, run and job
// records, the local flow with its op results, and the job and result
// document schemas.
package types
