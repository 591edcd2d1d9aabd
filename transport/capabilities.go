package transport

// Capabilities describes what a broker backend offers the outbox.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SubjectSeparator replaces the ":" scope separator of event names when
	// deriving broker subjects. Empty means ".".
	SubjectSeparator string

	// Durable reports whether published messages survive a broker restart.
	Durable bool

	// SupportsOrdering indicates messages on one subject are delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates metadata headers reach consumers intact.
	SupportsTracing bool

	// SupportsAck indicates consumers acknowledge explicitly.
	SupportsAck bool

	// MaxMessageSize in bytes, 0 when unlimited or unknown.
	MaxMessageSize int64
}

// Separator returns SubjectSeparator, defaulting to ".".
func (c Capabilities) Separator() string {
	if c.SubjectSeparator == "" {
		return "."
	}
	return c.SubjectSeparator
}

// Fits reports whether a payload of n bytes is within MaxMessageSize.
func (c Capabilities) Fits(n int) bool {
	return c.MaxMessageSize == 0 || int64(n) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SubjectSeparator: ".",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SubjectSeparator: ".",
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SubjectSeparator: ".",
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
	}

	NATSCapabilities = Capabilities{
		Name:             "nats",
		SubjectSeparator: ".",
		SupportsTracing:  true,
		MaxMessageSize:   1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SubjectSeparator: ".",
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	// SNS topic names only allow alphanumerics, '-' and '_'.
	AWSCapabilities = Capabilities{
		Name:             "aws",
		SubjectSeparator: "_",
		Durable:          true,
		SupportsTracing:  true,
		SupportsAck:      true,
		MaxMessageSize:   262144,
	}

	HTTPCapabilities = Capabilities{
		Name:             "http",
		SubjectSeparator: "/",
		SupportsTracing:  true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SubjectSeparator: ".",
		Durable:          true,
		SupportsOrdering: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
