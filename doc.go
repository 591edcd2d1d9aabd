// Package procbus is an in-process message bus and persistent job scheduler
// for services backed by a relational database.
//
// Procedures are named, contract-checked request/response calls, grouped in
// interfaces and addressed as "interface:name" or
// "interface:consumer:name". Events are fire-and-forget notifications
// delivered to local subscribers and, once the originating transaction
// commits, to a Watermill broker through the transactional outbox.
//
// Every call runs in an execution Context bound to one database
// transaction. Hooks registered with OnCommit run after the commit;
// OnRollback hooks run when the transaction is abandoned. Savepoint scopes a
// unit of work so that its writes and hooks are discarded together.
//
// # Jobs
//
// The scheduler persists jobs in the procbus_jobs table and claims them in a
// single SQL statement that enforces per-class concurrency and rate limits,
// so any number of workers can poll the same database. A job handler is a
// procedure registered with Handle; its writes, the job's success and the
// events it emits commit together. Failed attempts are retried up to
// maxRetries with a fixed or exponential delay, and operators can retry
// failed jobs or terminate running ones.
//
// # Transports
//
// The outbox publishes to any transport of the registry: channel, nats,
// nats-jetstream, kafka, rabbitmq, http, io, or aws (SNS/SQS). Subjects are
// derived from event names with the separator the transport allows, e.g.
// "invoice:paid" becomes "billing.invoice.paid" with prefix "billing".
//
// # Service
//
// NewService wires everything from Config: the database, the transport, the
// outbox with its retry and circuit breaker, Prometheus metrics, the
// scheduler runner and the gin operator API that lists procedures and
// inspects, retries and terminates jobs.
package procbus
