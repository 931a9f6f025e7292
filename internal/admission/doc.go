// Package admission decides whether inbound work is accepted before it reaches
// business logic.
//
// The Controller applies sliding-window and burst-cooldown rules matched by the
// longest path prefix. ConnectionLimits caps concurrent sockets globally and per
// IP, and MessageLimiter throttles raw inbound frames per connection.
package admission
