/*
Package runtime provides the bus that procbus applications run on.

# Architecture Overview

Every unit of work runs in an execution Context. A Context carries the
caller's context.Context, an OpenTelemetry span, a correlation id and a
lazily opened database transaction shared by everything called from it.
Procedures and events form the vocabulary of the bus; their payloads are
checked against contract schemas on every boundary.

# Package Structure

## Bus (bus.go)

The Bus holds the procedure handlers and event subscribers:
  - Register/Exec/ExecSpecific: typed request/response procedures
  - Emit/On: events delivered to local subscribers before the call returns
  - Procedures/Events: introspection used by the operator API

## Execution contexts (context.go)

Run opens a root context and finishes it with the outcome of fn: commit on
success, rollback on error or panic. OnCommit hooks run after the commit,
OnRollback hooks when the transaction is abandoned. Savepoint scopes a
nested unit whose writes and hooks are discarded together on failure.

## Outbox (outbox.go)

Events with an outbox configured are handed to the broker from a commit
hook, so nothing is published for a rolled back transaction. Publishing is
retried with exponential backoff behind a circuit breaker; events that
cannot be delivered are logged, counted and passed to OnLost.

## Observability (metrics.go, tracing.go, hooks.go)

  - Prometheus collectors for executions, emits, publishes and jobs
  - One span per root context, procedure call and event delivery
  - JobHooks presets for logging, metrics and alerting around job execution

# Sub-packages

  - config/: Service configuration with validation
  - contract/: Schemas, procedure and event descriptors, interfaces
  - database/: sqlx store with commit/rollback hooks and savepoints
  - errors/: Sentinel errors
  - ids/: ULID generation for job and message ids
  - jobs/: Persistent job scheduler built on bus procedures
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Broker message metadata
  - service/: Config-driven assembly, operator API and metrics server
  - transport/: Binding of configuration to the broker registry

# Usage Example

	bus := runtime.NewBus(runtime.BusOptions{DB: db, Outbox: outbox})

	runtime.Register(bus, createInvoice, func(c *runtime.Context, in invoiceInput) (invoice, error) {
		tx, err := c.Tx()
		if err != nil {
			return invoice{}, err
		}
		inv := newInvoice(in)
		if err := insertInvoice(c, tx, inv); err != nil {
			return invoice{}, err
		}
		return inv, runtime.Emit(c, invoicePaid, inv)
	})

	err := bus.Run(ctx, func(c *runtime.Context) error {
		_, err := runtime.Exec(c, createInvoice, invoiceInput{Customer: "ACME"})
		return err
	})
*/
package runtime
