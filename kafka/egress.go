// Package kafka mirrors emitted telemetry onto a Kafka topic. Like
// the valkey cache, the egress is optional and a nil *Egress is a
// no-op.
package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"fieldgate/config"
	"fieldgate/logging"
)

const defaultTopic = "fieldgate.telemetry"

// Egress writes telemetry records to one topic, keyed by connection id
// so a connection's observations stay partition-ordered.
type Egress struct {
	writer *kafka.Writer
	topic  string

	mu       sync.Mutex
	sent     int64
	errors   int64
	lastSend time.Time
	lastErr  error
}

// Open builds the egress writer. A disabled config returns (nil, nil).
// The writer dials lazily; a down broker surfaces on the first
// Produce, not here.
func Open(cfg config.KafkaConfig) (*Egress, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}

	transport := &kafka.Transport{DialTimeout: 10 * time.Second}
	if cfg.UseTLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	transport.SASL = mechanism

	writer := &kafka.Writer{
		Addr:      kafka.TCP(cfg.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: transport,

		RequiredAcks: kafka.RequireOne,
		Async:        false,
		MaxAttempts:  3,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}
	logging.DebugLog("kafka", "egress to %v topic %s (sasl=%s tls=%v)", cfg.Brokers, topic, cfg.SASL, cfg.UseTLS)
	return &Egress{writer: writer, topic: topic}, nil
}

func saslMechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	if cfg.Username == "" {
		return nil, nil
	}
	switch cfg.SASL {
	case "", "plain":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "scram-sha-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "scram-sha-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	}
	return nil, fmt.Errorf("kafka: sasl mechanism %q not supported", cfg.SASL)
}

// Produce sends one record keyed by connection id.
func (e *Egress) Produce(ctx context.Context, connID string, payload []byte) error {
	if e == nil {
		return nil
	}
	err := e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(connID),
		Value: payload,
		Time:  time.Now(),
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.errors++
		e.lastErr = err
		return fmt.Errorf("kafka: produce: %w", err)
	}
	e.sent++
	e.lastSend = time.Now()
	e.lastErr = nil
	return nil
}

// Stats returns sent/error counters and the last send time.
func (e *Egress) Stats() (sent, errors int64, lastSend time.Time) {
	if e == nil {
		return 0, 0, time.Time{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent, e.errors, e.lastSend
}

// LastErr returns the most recent produce error, nil after a success.
func (e *Egress) LastErr() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Close flushes and closes the writer. Safe on nil.
func (e *Egress) Close() error {
	if e == nil {
		return nil
	}
	return e.writer.Close()
}
