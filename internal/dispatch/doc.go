// Package dispatch delivers broadcast payloads to resolved targets.
//
// Each recipient gets its own redacted copy of the payload. A send that finds the
// connection gone, or that does not complete within the send timeout, removes the
// connection from the registry. Delivery failures never propagate to the caller.
package dispatch
