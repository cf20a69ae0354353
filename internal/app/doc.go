// Package app wires the transport event contract to the relay use cases.
//
// Relay receives connect, disconnect and message events from the transport and
// forwards them to the connection registry and the message router.
package app
