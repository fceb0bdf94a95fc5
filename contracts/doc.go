// Package contracts defines the generic message envelope exchanged
// between pipeline services and its wire codec.
//
// The envelope carries the business payload as an opaque JSON value
// together with the metadata every service needs for routing and
// tracing: message type, production timestamp, and correlation ID.
// Encode and Decode translate between the in-memory form and the JSON
// document placed on the broker.
package contracts
