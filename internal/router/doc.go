// Package router is the glue between clients, the connection registry and the broker.
//
// Inbound client messages are throttled per message class, dispatched by type and
// answered on the sending connection. Domain events from business logic are
// published to their broker channel and delivered to local connections directly;
// events from other instances arrive through the instance subscription.
package router
