// Package redisstream provides a Redis Streams transport for xsbus.
//
// Transport name: "redis-streams"
//
// Every endpoint is a stream. Send is XADD; the input queue is consumed with
// XREADGROUP one entry at a time. Nack re-appends a copy of the entry and
// acknowledges the original, so the xsbus message id (the "id" field) stays
// stable across redeliveries. With claim_min_idle set, entries left pending by
// a crashed consumer are claimed and redelivered.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - input_queue: stream to receive from (required)
// - group: consumer group name (default "xsbus")
// - consumer: consumer name (default "xsbus-<host>-<pid>")
// - block: XREADGROUP BLOCK duration, the receive poll window (default 1s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - claim_min_idle, claim_interval, claim_batch: pending entry recovery
//
// Example builder usage:
//
//	bus, _ := xsbus.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "input_queue": "payments",
//	        "group":       "payments",
//	        "block":       "2s",
//	    }).
//	    Build()
package redisstream
