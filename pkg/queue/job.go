// Package queue carries grading jobs between the core and the worker pools.
// A job names a target queue, a kind (the function the worker runs) and its
// positional arguments. Delivery is at-least-once and unordered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownDriver is returned by Open for an unsupported broker name.
var ErrUnknownDriver = errors.New("unknown queue driver")

// Job is one unit of asynchronous work.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Kind       string          `json:"kind"`
	Args       json.RawMessage `json:"args"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewJob encodes args positionally and stamps the job with a fresh id.
func NewJob(queueName, kind string, args ...any) (Job, error) {
	queueName = strings.TrimSpace(queueName)
	kind = strings.TrimSpace(kind)
	if queueName == "" || kind == "" {
		return Job{}, fmt.Errorf("queue and kind are required")
	}
	if args == nil {
		args = []any{}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return Job{}, fmt.Errorf("encode job args: %w", err)
	}

	return Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Kind:       kind,
		Args:       payload,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// DecodeArgs unpacks the positional arguments into targets, in order.
func (j Job) DecodeArgs(targets ...any) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(j.Args, &raw); err != nil {
		return fmt.Errorf("decode job args: %w", err)
	}
	if len(raw) < len(targets) {
		return fmt.Errorf("job %s carries %d args, want %d", j.ID, len(raw), len(targets))
	}
	for i, target := range targets {
		if err := json.Unmarshal(raw[i], target); err != nil {
			return fmt.Errorf("decode job arg %d: %w", i, err)
		}
	}
	return nil
}

func decodeJob(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, err
	}
	if job.ID == "" || job.Kind == "" {
		return Job{}, fmt.Errorf("job payload missing id or kind")
	}
	return job, nil
}

// Publisher hands jobs to the broker.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// Delivery is a fetched job awaiting acknowledgement.
type Delivery interface {
	Job() Job
	Ack() error
	Nak() error
}

// Consumer pulls jobs from one queue.
type Consumer interface {
	Fetch(ctx context.Context, max int) ([]Delivery, error)
}

// Reclaimer returns jobs a stopped consumer fetched but never acknowledged.
// Brokers with native redelivery, such as JetStream, do not need it.
type Reclaimer interface {
	Reclaim(ctx context.Context, olderThan time.Duration) (int, error)
}

// Broker publishes to any queue and opens consumers per queue.
type Broker interface {
	Publisher
	Consumer(ctx context.Context, queueName string) (Consumer, error)
}
