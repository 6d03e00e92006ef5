// Package broker declares an AMQP topology and dispatches queue messages to
// handlers.
//
// An Engine is configured with exchanges, queues (with their bindings),
// publishers and consumers. Its lifecycle mirrors the broker connection:
//
//	Declare   dial, open the shared channel, declare the topology, build publishers
//	Consume   start one dispatch loop per consumer queue
//	Shutdown  cancel every consumer, then close the channel and the connection
//
// # Dispatch
//
// Each consumer queue gets its own goroutine that handles deliveries one at
// a time. A delivery is decoded (JSON by default) and passed to the
// queue's handler together with the engine's publishers:
//
//	handler returns nil     Ack(false)
//	handler returns error   Nack(false, true), error reported
//	body does not decode    Nack(false, false), *DecodeError reported
//
// Acknowledgement happens before the next delivery is read, so messages of
// one queue are never handled concurrently. Failures never stop the loop.
//
// # Metrics
//
//	reactor_messages_total{queue,outcome}              outcome is ack, nack or reject
//	reactor_message_handle_duration_seconds{queue}     decode plus handler time
//	reactor_messages_published_total{publisher,status} publish attempts
package broker
