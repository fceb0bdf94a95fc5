// Package messaging is the envelope-level publish/subscribe layer.
//
// EnvelopePublisher validates payloads against their message type's
// schema, encodes them, and publishes persistent with broker
// confirms. Subscriber decodes deliveries, dead-letters anything that
// fails decoding or validation, and dispatches the rest to a Handler
// whose Outcome settles the message.
package messaging
