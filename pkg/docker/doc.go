// Package docker drives job containers over the Docker Engine API.
package docker
