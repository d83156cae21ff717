// Package broker defines the driver interfaces mbus uses to talk to an
// AMQP-style broker, and wires broker channels into a pool.
//
// The interfaces mirror the subset of AMQP 0-9-1 needed by the topology planner
// and the handler chain. internal/rabbitmq implements them over amqp091-go and
// package brokertest provides an in-memory recording fake for tests.
package broker
