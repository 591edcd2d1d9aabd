package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/procbus/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.Equal(t, "_", caps.Separator())
	assert.False(t, caps.Fits(300000))
}

type captured struct {
	accountID, region string
	pub               sns.PublisherConfig
	sub               sns.SubscriberConfig
	sqs               sqs.SubscriberConfig
	loaderOpts        int
}

func stubFactories(t *testing.T) *captured {
	t.Helper()
	originalLoader, originalResolver := DefaultConfigLoader, TopicResolverFactory
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	c := &captured{}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		c.loaderOpts = len(opts)
		return aws.Config{Region: "eu-central-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		c.accountID, c.region = accountID, region
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		c.pub = cfg
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		c.sub, c.sqs = cfg, sqsCfg
		return &mockSubscriber{}, nil
	}
	return c
}

func TestBuild(t *testing.T) {
	t.Run("uses configured account and region", func(t *testing.T) {
		c := stubFactories(t)
		cfg := &transport.StaticConfig{
			AWSRegion:          "us-east-1",
			AWSAccountID:       "123456789012",
			AWSAccessKeyID:     "key",
			AWSSecretAccessKey: "secret",
		}

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.Equal(t, "123456789012", c.accountID)
		assert.Equal(t, "us-east-1", c.region)
		assert.Equal(t, "us-east-1", c.pub.AWSConfig.Region)
		assert.Equal(t, 2, c.loaderOpts)
		assert.Empty(t, c.pub.OptFns)
		assert.Empty(t, c.sqs.OptFns)
	})

	t.Run("endpoint targets localstack on both sides", func(t *testing.T) {
		c := stubFactories(t)
		cfg := &transport.StaticConfig{AWSEndpoint: "http://localhost:4566"}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, localstackAccountID, c.accountID)
		assert.Equal(t, "eu-central-1", c.region)
		assert.Len(t, c.pub.OptFns, 1)
		assert.Len(t, c.sub.OptFns, 1)
		assert.Len(t, c.sqs.OptFns, 1)
	})

	t.Run("requires config", func(t *testing.T) {
		stubFactories(t)
		_, err := Build(context.Background(), nil, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config is required")
	})

	t.Run("returns loader errors", func(t *testing.T) {
		stubFactories(t)
		DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}

		_, err := Build(context.Background(), &transport.StaticConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("returns publisher errors", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transport.StaticConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher on subscriber errors", func(t *testing.T) {
		stubFactories(t)
		pub := &mockPublisher{}
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transport.StaticConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

func TestResolveAccountAndRegion(t *testing.T) {
	t.Run("uses config values", func(t *testing.T) {
		cfg := &transport.StaticConfig{AWSAccountID: "'123456789012'", AWSRegion: "us-west-2"}
		accountID, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-west-2", region)
	})

	t.Run("falls back to loaded region", func(t *testing.T) {
		cfg := &transport.StaticConfig{AWSAccountID: "123456789012"}
		_, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "us-east-1", region)
	})

	t.Run("replaces malformed account with endpoint set", func(t *testing.T) {
		cfg := &transport.StaticConfig{AWSAccountID: "42", AWSEndpoint: "http://localhost:4566"}
		accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})

	t.Run("nil config", func(t *testing.T) {
		accountID, region := resolveAccountAndRegion(nil, watermill.NopLogger{}, "us-east-1")
		assert.Empty(t, accountID)
		assert.Equal(t, "us-east-1", region)
	})
}

func TestAwsEndpointURL(t *testing.T) {
	u, err := awsEndpointURL(&transport.StaticConfig{})
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = awsEndpointURL(&transport.StaticConfig{AWSEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", u.Host)

	_, err = awsEndpointURL(&transport.StaticConfig{AWSEndpoint: "http://[::1"})
	assert.Error(t, err)
}

type mockPublisher struct{ closed bool }

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { m.closed = true; return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
