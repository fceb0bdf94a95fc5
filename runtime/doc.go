// Package runtime composes the health server, broker channel, and
// envelope messaging layers into the lifecycle shared by every
// pipeline service:
//
//	constructed -> connecting -> initializing -> ready/consuming
//	            -> draining -> stopped
//
// Broker outages degrade readiness and retry with capped exponential
// backoff forever; only configuration errors and queue topology
// conflicts are fatal.
package runtime
