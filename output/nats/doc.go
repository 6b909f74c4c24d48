// Package nats is a message tap that mirrors pipeline queues onto NATS.
//
// Tap registers a callback on a queue. Each message the queue receives is
// handed to a small worker pool, wrapped in a message.Envelope and published
// on SubjectPrefix followed by the sanitized queue name, for example
// "depthgraph.camera#1.outputs.preview". A slow or unreachable server never
// blocks the pipeline: when the pool is saturated deliveries are dropped and
// counted.
//
// Publisher is satisfied by *natsclient.Client.
package nats
