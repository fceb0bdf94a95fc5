// Package rabbitmq is the broker channel layer: every interaction
// with RabbitMQ goes through it.
//
// ConnectionManager owns the process's single AMQP connection and
// reconnects it with capped exponential backoff; ChannelPool hands out
// channels on that connection; TopologyManager declares durable queues
// with their paired dead-letter queues; Publisher sends with
// publisher confirms; Consumer delivers messages one at a time and
// settles them from the handler's verdict, with a per-message timeout
// and bounded redelivery before dead-lettering.
package rabbitmq
