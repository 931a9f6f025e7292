// Package broadcast implements the connection registry using the actor pattern.
//
// A single goroutine owns every connection and group map; public methods send
// commands on a buffered channel and wait for a reply. Each connection has its own
// writer goroutine with a bounded queue, and a full queue disconnects the client as
// a slow consumer instead of stalling the fan-out.
package broadcast
