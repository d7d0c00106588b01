// Package redqueue provides Redis-backed priority queue drivers for a
// message dispatcher, with at-least-once delivery and crash recovery that
// only uses Redis itself for coordination.
//
// It uses:
// - Redis List, Set or Sorted Set per priority for ready messages
// - Redis Stream with a consumer group per priority (stream driver)
// - Redis Sorted Set "<queue>[delayed]" for messages scheduled in the future
// - Redis Hash plus TTL'd agent keys to record which worker owns which message
// - Redis PubSub (optional) for triggers/events
package redqueue
