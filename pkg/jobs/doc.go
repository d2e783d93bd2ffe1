// Package jobs implements the op handlers a flow runner dispatches to:
// git clone and checkout, the container run, and the terminal wrap-up that
// uploads the result document.
package jobs
