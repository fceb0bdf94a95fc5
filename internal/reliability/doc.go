// Package reliability provides the retry policies shared by the
// broker connection manager and the service runtime: exponential
// backoff with jitter and a cap, fixed-delay retries, and a Fatal
// wrapper for errors that must never be retried.
package reliability
