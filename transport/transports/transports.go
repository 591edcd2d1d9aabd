// Package transports imports all built-in transports for auto-registration.
// Import this package to have every broker backend available to the outbox.
package transports

import (
	_ "github.com/drblury/procbus/transport/aws"
	_ "github.com/drblury/procbus/transport/channel"
	_ "github.com/drblury/procbus/transport/http"
	_ "github.com/drblury/procbus/transport/io"
	_ "github.com/drblury/procbus/transport/jetstream"
	_ "github.com/drblury/procbus/transport/kafka"
	_ "github.com/drblury/procbus/transport/nats"
	_ "github.com/drblury/procbus/transport/rabbitmq"
)
