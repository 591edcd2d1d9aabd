package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "PROCBUS_"

// Load reads a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// LoadEnv loads the given dotenv files (or an optional ./.env when none are
// named) and applies PROCBUS_* overrides on top of cfg.
func LoadEnv(cfg *Config, files ...string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return fmt.Errorf("failed to load env files: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}
	return ApplyEnv(cfg, os.LookupEnv)
}

type envSetter func(cfg *Config, value string) error

var envOverrides = map[string]envSetter{
	"PUBSUB_SYSTEM":         func(c *Config, v string) error { c.PubSubSystem = v; return nil },
	"SUBJECT_PREFIX":        func(c *Config, v string) error { c.SubjectPrefix = v; return nil },
	"KAFKA_BROKERS":         func(c *Config, v string) error { c.KafkaBrokers = splitList(v); return nil },
	"KAFKA_CONSUMER_GROUP":  func(c *Config, v string) error { c.KafkaConsumerGroup = v; return nil },
	"RABBITMQ_URL":          func(c *Config, v string) error { c.RabbitMQURL = v; return nil },
	"NATS_URL":              func(c *Config, v string) error { c.NATSURL = v; return nil },
	"JETSTREAM_STREAM":      func(c *Config, v string) error { c.JetStreamStream = v; return nil },
	"HTTP_PUBLISHER_URL":    func(c *Config, v string) error { c.HTTPPublisherURL = v; return nil },
	"IO_FILE":               func(c *Config, v string) error { c.IOFile = v; return nil },
	"AWS_REGION":            func(c *Config, v string) error { c.AWSRegion = v; return nil },
	"AWS_ACCOUNT_ID":        func(c *Config, v string) error { c.AWSAccountID = v; return nil },
	"AWS_ACCESS_KEY_ID":     func(c *Config, v string) error { c.AWSAccessKeyID = v; return nil },
	"AWS_SECRET_ACCESS_KEY": func(c *Config, v string) error { c.AWSSecretAccessKey = v; return nil },
	"AWS_ENDPOINT":          func(c *Config, v string) error { c.AWSEndpoint = v; return nil },
	"DATABASE_DRIVER":       func(c *Config, v string) error { c.Database.Driver = v; return nil },
	"DATABASE_URL":          func(c *Config, v string) error { c.Database.URL = v; return nil },
	"LOG_LEVEL":             func(c *Config, v string) error { c.Log.Level = v; return nil },
	"LOG_FORMAT":            func(c *Config, v string) error { c.Log.Format = v; return nil },
	"SCHEDULER_ENABLED": func(c *Config, v string) error {
		return parseBool(v, &c.Scheduler.Enabled)
	},
	"WORKER_CONCURRENCY": func(c *Config, v string) error {
		return parseInt(v, &c.Scheduler.WorkerConcurrency)
	},
	"POLL_INTERVAL": func(c *Config, v string) error {
		return parseDuration(v, &c.Scheduler.PollInterval)
	},
	"METRICS_ENABLED": func(c *Config, v string) error { return parseBool(v, &c.MetricsEnabled) },
	"METRICS_PORT":    func(c *Config, v string) error { return parseInt(v, &c.MetricsPort) },
	"WEBUI_ENABLED":   func(c *Config, v string) error { return parseBool(v, &c.WebUIEnabled) },
	"WEBUI_PORT":      func(c *Config, v string) error { return parseInt(v, &c.WebUIPort) },
}

// ApplyEnv applies PROCBUS_* overrides found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	for key, set := range envOverrides {
		value, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		if err := set(cfg, value); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
