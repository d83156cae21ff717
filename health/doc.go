// Package health checks the broker connection, the channel pool and
// individual queues.
package health
