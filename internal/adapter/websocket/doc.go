// Package websocket is the relay's connection transport.
//
// A Hub actor owns the table of live connections keyed by opaque ids. Each
// connection has a reader goroutine that feeds Events and a writer goroutine that
// performs all socket writes with deadlines and keepalive pings.
package websocket
