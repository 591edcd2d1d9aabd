// Package transport defines the broker backends the outbox publishes to.
// Each backend lives in its own sub-package and registers a Builder with the
// transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a factory.
// The outbox only publishes; the subscriber serves downstream consumers.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports need without depending on the full
// config package.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string
	GetJetStreamStream() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetIOFile() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// StaticConfig is a plain Config value, handy when wiring a transport by hand.
type StaticConfig struct {
	PubSubSystem       string
	KafkaBrokers       []string
	KafkaClientID      string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	JetStreamStream    string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	IOFile             string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *StaticConfig) GetPubSubSystem() string       { return c.PubSubSystem }
func (c *StaticConfig) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *StaticConfig) GetKafkaClientID() string      { return c.KafkaClientID }
func (c *StaticConfig) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c *StaticConfig) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *StaticConfig) GetNATSURL() string            { return c.NATSURL }
func (c *StaticConfig) GetJetStreamStream() string    { return c.JetStreamStream }
func (c *StaticConfig) GetHTTPServerAddress() string  { return c.HTTPServerAddress }
func (c *StaticConfig) GetHTTPPublisherURL() string   { return c.HTTPPublisherURL }
func (c *StaticConfig) GetIOFile() string             { return c.IOFile }
func (c *StaticConfig) GetAWSRegion() string          { return c.AWSRegion }
func (c *StaticConfig) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *StaticConfig) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *StaticConfig) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *StaticConfig) GetAWSEndpoint() string        { return c.AWSEndpoint }
