// Package monitor holds the Prometheus collectors for the messaging
// pipeline: publish/consume/dead-letter counters and a dead-letter
// queue depth gauge, served from the health server's /metrics
// endpoint.
package monitor
