// Package schema validates message payloads against the schema named
// by their envelope's message type.
//
// Validation is deliberately separate from envelope decoding: a
// payload that fails its schema is routed to the dead-letter queue by
// the consumer, never handed to the handler and never allowed to crash
// the decode path.
package schema
