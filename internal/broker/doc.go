// Package broker bridges the local process to the shared Redis pub/sub broker.
//
// Every process publishes domain events to named channels and subscribes to the
// channels its connections need. One go-redis PubSub is shared by all logical
// subscriptions; channel reference counts decide when SUBSCRIBE and UNSUBSCRIBE
// reach the broker. The client carries metrics and circuit-breaker hooks so a
// broker outage fails fast instead of blocking callers.
package broker
