// Package api serves the node's health, readiness and metrics endpoints.
package api
