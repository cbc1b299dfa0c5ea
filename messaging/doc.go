// Package messaging implements the BuildFlow event bus: topic-based
// publish/subscribe over RabbitMQ with an RPC extension layered on top.
//
// Domain events travel as fire-and-forget JSON messages through the "events"
// topic exchange under dotted routing keys such as "user.created". Each
// service owns one durable queue, named after the service, bound with
// wildcard patterns ("user.*", "rpc.*"). The DispatchLoop consumes that
// queue, resolves handlers by exact routing key, and acknowledges after the
// handler runs.
//
// RPC calls publish a request to the "rpc" exchange with a fresh correlation
// id and a private reply queue, then block the calling goroutine until the
// correlated reply arrives or the timeout fires. Responders publish their
// reply through the default exchange, straight to the caller's reply queue.
//
// Delivery is at least once; handlers are expected to be idempotent.
package messaging
