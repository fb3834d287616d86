package sinks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/banshee-data/watchtower/internal/bus"
)

// flushTimeoutMs bounds how long Close waits for outstanding deliveries.
const flushTimeoutMs = 5000

// kafkaProducer is the subset of *kafka.Producer the sink uses.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaSink produces every envelope to one topic keyed by event id, with
// the kind in a header.
type KafkaSink struct {
	producer kafkaProducer
	topic    string

	acked  atomic.Int64
	failed atomic.Int64
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewKafkaSink wraps a producer and starts consuming its delivery reports.
func NewKafkaSink(p kafkaProducer, topic string) *KafkaSink {
	s := &KafkaSink{producer: p, topic: topic, stop: make(chan struct{})}
	s.wg.Add(1)
	go s.deliveryReports()
	return s
}

// DialKafka creates an idempotent producer for the given brokers.
func DialKafka(brokers, topic string) (*KafkaSink, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"client.id":          "watchtower",
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          10,
		"compression.type":   "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	logf("Kafka producer ready: topic=%s brokers=%s", topic, brokers)
	return NewKafkaSink(p, topic), nil
}

func (s *KafkaSink) deliveryReports() {
	defer s.wg.Done()
	events := s.producer.Events()
	for {
		select {
		case <-s.stop:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m, ok := e.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				logf("kafka delivery failed: %v", m.TopicPartition.Error)
				s.failed.Add(1)
				continue
			}
			s.acked.Add(1)
		}
	}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Send implements Sink. Delivery is asynchronous; failures surface through
// the delivery report counters.
func (s *KafkaSink) Send(ctx context.Context, env bus.Envelope) error {
	kind, data, err := Encode(env)
	if err != nil {
		return err
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(env.ID()),
		Value:          data,
		Headers:        []kafka.Header{{Key: "kind", Value: []byte(kind)}},
	}
	if err := s.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	return nil
}

// Delivered returns acknowledged and failed delivery counts.
func (s *KafkaSink) Delivered() (acked, failed int64) {
	return s.acked.Load(), s.failed.Load()
}

// Close flushes outstanding messages and closes the producer.
func (s *KafkaSink) Close() error {
	if left := s.producer.Flush(flushTimeoutMs); left > 0 {
		logf("kafka: %d messages undelivered at close", left)
	}
	close(s.stop)
	s.wg.Wait()
	acked, failed := s.Delivered()
	logf("kafka: closing %s after %d delivered, %d failed", s.topic, acked, failed)
	s.producer.Close()
	return nil
}
