package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subject layout:
//
//	<prefix>.queue.<name>.jobs  -- job messages for one queue
func queueSubject(prefix, queueName string) string {
	return fmt.Sprintf("%s.queue.%s.jobs", prefix, queueName)
}

func streamName(prefix string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(prefix))
}

func consumerName(prefix, queueName string) string {
	return fmt.Sprintf("%s-worker-%s", strings.ReplaceAll(prefix, ".", "-"), queueName)
}

// NATSBroker stores jobs in a JetStream work-queue stream.
type NATSBroker struct {
	js      jetstream.JetStream
	prefix  string
	stream  string
	maxWait time.Duration
}

// NewNATSBroker creates the stream when missing and returns a broker bound to it.
func NewNATSBroker(ctx context.Context, conn *nats.Conn, prefix string) (*NATSBroker, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if prefix == "" {
		prefix = "autograde"
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("open jetstream: %w", err)
	}

	broker := &NATSBroker{js: js, prefix: prefix, stream: streamName(prefix), maxWait: time.Second}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      broker.stream,
		Subjects:  []string{fmt.Sprintf("%s.queue.>", prefix)},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    72 * time.Hour,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", broker.stream, err)
	}

	return broker, nil
}

// Publish stores the job on its queue subject. The job id doubles as the
// JetStream message id so a retried publish inside the dedupe window is dropped.
func (b *NATSBroker) Publish(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	subject := queueSubject(b.prefix, job.Queue)
	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(job.ID)); err != nil {
		return fmt.Errorf("publish job %s to %s: %w", job.ID, subject, err)
	}
	return nil
}

// Consumer returns a durable pull consumer for the queue.
func (b *NATSBroker) Consumer(ctx context.Context, queueName string) (Consumer, error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:       consumerName(b.prefix, queueName),
		FilterSubject: queueSubject(b.prefix, queueName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for queue %s: %w", queueName, err)
	}
	return &natsConsumer{consumer: consumer, maxWait: b.maxWait}, nil
}

type natsConsumer struct {
	consumer jetstream.Consumer
	maxWait  time.Duration
}

func (c *natsConsumer) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	msgs, err := c.consumer.Fetch(max, jetstream.FetchMaxWait(c.maxWait))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}

	var deliveries []Delivery
	for msg := range msgs.Messages() {
		job, err := decodeJob(msg.Data())
		if err != nil {
			// Undecodable payloads would be redelivered forever.
			_ = msg.Term()
			continue
		}
		deliveries = append(deliveries, natsDelivery{msg: msg, job: job})
	}

	return deliveries, nil
}

type natsDelivery struct {
	msg jetstream.Msg
	job Job
}

func (d natsDelivery) Job() Job   { return d.job }
func (d natsDelivery) Ack() error { return d.msg.Ack() }
func (d natsDelivery) Nak() error { return d.msg.Nak() }
