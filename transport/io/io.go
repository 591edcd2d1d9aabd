// Package io provides a file transport: every published event is appended to a
// JSON-lines log that subscribers tail. It is meant for local development and
// for auditing what the outbox emitted.
package io

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/procbus/internal/runtime/jsoncodec"
	"github.com/drblury/procbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "messages.log"

// PollInterval is how often subscribers look for appended records.
var PollInterval = 50 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger), nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(filePath, logger), nil
}

func init() {
	Register()
}

// Register registers the I/O transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a new I/O transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// Record is one line of the log. JSON payloads are stored inline, anything
// else is stored base64 encoded in RawPayload.
type Record struct {
	UUID       string            `json:"uuid"`
	Subject    string            `json:"subject"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	RawPayload []byte            `json:"raw_payload,omitempty"`
	WrittenAt  time.Time         `json:"written_at"`
}

// NewRecord builds the log line for msg published on subject.
func NewRecord(subject string, msg *message.Message) Record {
	rec := Record{
		UUID:      msg.UUID,
		Subject:   subject,
		Metadata:  msg.Metadata,
		WrittenAt: time.Now().UTC(),
	}
	if len(msg.Payload) > 0 && jsoncodec.Valid(msg.Payload) {
		rec.Payload = json.RawMessage(msg.Payload)
	} else {
		rec.RawPayload = msg.Payload
	}
	return rec
}

// Message converts the record back into a watermill message.
func (r Record) Message() *message.Message {
	payload := []byte(r.Payload)
	if len(payload) == 0 {
		payload = r.RawPayload
	}
	msg := message.NewMessage(r.UUID, payload)
	for k, v := range r.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg
}

// Publisher appends records to the log file.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
}

// NewPublisher returns a publisher appending to filePath.
func NewPublisher(filePath string, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{filePath: filePath, logger: logger}
}

// Publish appends one line per message. The batch is written with a single
// write call so concurrent readers never see half of it.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	var buf []byte
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(NewRecord(topic, msg))
		if err != nil {
			return fmt.Errorf("io: encode %s: %w", msg.UUID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(buf)
	return err
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	return nil
}

// Subscriber tails the log file from the beginning.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter
}

// NewSubscriber returns a subscriber reading filePath.
func NewSubscriber(filePath string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{filePath: filePath, logger: logger}
}

// Subscribe delivers records whose subject equals topic until ctx is done.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.follow(ctx, bufio.NewReader(f), out, topic)
	}()
	return out, nil
}

func (s *Subscriber) follow(ctx context.Context, reader *bufio.Reader, out chan<- *message.Message, topic string) {
	var pending []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		pending = append(pending, chunk...)
		if errors.Is(err, io.EOF) {
			// a partial line stays pending until the writer finishes it
			if !wait(ctx, PollInterval) {
				return
			}
			continue
		}
		if err != nil {
			s.logger.Error("io subscriber read failed", err, watermill.LogFields{"file": s.filePath})
			return
		}

		line := pending
		pending = nil

		var rec Record
		if err := jsoncodec.Unmarshal(line, &rec); err != nil {
			s.logger.Error("io subscriber skipped malformed record", err, nil)
			continue
		}
		if rec.Subject != topic {
			continue
		}
		if !s.deliver(ctx, out, rec) {
			return
		}
	}
}

// deliver blocks until the message is acked. A nack redelivers it.
func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, rec Record) bool {
	for {
		msg := rec.Message()
		msg.SetContext(ctx)

		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}

		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			s.logger.Debug("io message nacked, redelivering", watermill.LogFields{"uuid": msg.UUID})
			if !wait(ctx, PollInterval) {
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close closes the subscriber.
func (s *Subscriber) Close() error {
	return nil
}
