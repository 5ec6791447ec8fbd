package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker keeps one list per queue. Fetched jobs move to a processing
// list and get a lease stamp until acknowledged. Reclaim returns jobs whose
// lease outlived a crashed worker to the pending list.
type RedisBroker struct {
	client   *redis.Client
	prefix   string
	blockFor time.Duration
	now      func() time.Time
}

// requeueScript moves one processing entry back to the pending list and drops its lease.
var requeueScript = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
if removed > 0 then
	redis.call("RPUSH", KEYS[2], ARGV[1])
end
return removed
`)

// NewRedisBroker returns a broker writing under the given key prefix.
func NewRedisBroker(client *redis.Client, prefix string) (*RedisBroker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = "autograde"
	}
	return &RedisBroker{client: client, prefix: prefix, blockFor: time.Second, now: time.Now}, nil
}

func (b *RedisBroker) pendingKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s", b.prefix, queueName)
}

func (b *RedisBroker) processingKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:processing", b.prefix, queueName)
}

func (b *RedisBroker) leasesKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:leases", b.prefix, queueName)
}

// Publish pushes the job onto its queue list.
func (b *RedisBroker) Publish(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := b.client.LPush(ctx, b.pendingKey(job.Queue), data).Err(); err != nil {
		return fmt.Errorf("publish job %s to %s: %w", job.ID, job.Queue, err)
	}
	return nil
}

// Consumer returns a consumer for the queue list.
func (b *RedisBroker) Consumer(_ context.Context, queueName string) (Consumer, error) {
	return &redisConsumer{broker: b, queue: queueName}, nil
}

type redisConsumer struct {
	broker *RedisBroker
	queue  string
}

func (c *redisConsumer) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	pending := c.broker.pendingKey(c.queue)
	processing := c.broker.processingKey(c.queue)

	var deliveries []Delivery
	for len(deliveries) < max {
		var (
			raw string
			err error
		)
		if len(deliveries) == 0 {
			raw, err = c.broker.client.BLMove(ctx, pending, processing, "RIGHT", "LEFT", c.broker.blockFor).Result()
		} else {
			raw, err = c.broker.client.LMove(ctx, pending, processing, "RIGHT", "LEFT").Result()
		}
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			if len(deliveries) > 0 {
				return deliveries, nil
			}
			return nil, fmt.Errorf("fetch jobs from %s: %w", c.queue, err)
		}

		job, decodeErr := decodeJob([]byte(raw))
		if decodeErr != nil {
			_ = c.broker.client.LRem(ctx, processing, 1, raw).Err()
			continue
		}
		// A missing lease is stamped by the next Reclaim pass.
		_ = c.broker.client.ZAdd(ctx, c.broker.leasesKey(c.queue), redis.Z{Score: leaseScore(c.broker.now()), Member: raw}).Err()
		deliveries = append(deliveries, &redisDelivery{consumer: c, raw: raw, job: job})
	}

	return deliveries, nil
}

// Reclaim moves processing entries leased longer than olderThan back to the pending list
// and reports how many were returned. Entries without a lease are stamped now.
func (c *redisConsumer) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	processing := c.broker.processingKey(c.queue)
	leases := c.broker.leasesKey(c.queue)

	entries, err := c.broker.client.LRange(ctx, processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing jobs on %s: %w", c.queue, err)
	}

	now := c.broker.now()
	cutoff := leaseScore(now.Add(-olderThan))
	reclaimed := 0
	for _, raw := range entries {
		leased, err := c.broker.client.ZScore(ctx, leases, raw).Result()
		if errors.Is(err, redis.Nil) {
			if err := c.broker.client.ZAddNX(ctx, leases, redis.Z{Score: leaseScore(now), Member: raw}).Err(); err != nil {
				return reclaimed, fmt.Errorf("stamp lease on %s: %w", c.queue, err)
			}
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("read lease on %s: %w", c.queue, err)
		}
		if leased > cutoff {
			continue
		}

		removed, err := requeueScript.Run(ctx, c.broker.client, []string{processing, c.broker.pendingKey(c.queue), leases}, raw).Int()
		if err != nil {
			return reclaimed, fmt.Errorf("requeue expired job on %s: %w", c.queue, err)
		}
		reclaimed += removed
	}

	return reclaimed, nil
}

func leaseScore(at time.Time) float64 {
	return float64(at.UnixMilli())
}

type redisDelivery struct {
	consumer *redisConsumer
	raw      string
	job      Job
}

func (d *redisDelivery) Job() Job { return d.job }

func (d *redisDelivery) Ack() error {
	ctx := context.Background()
	broker := d.consumer.broker
	_, err := broker.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, broker.processingKey(d.consumer.queue), 1, d.raw)
		pipe.ZRem(ctx, broker.leasesKey(d.consumer.queue), d.raw)
		return nil
	})
	return err
}

func (d *redisDelivery) Nak() error {
	ctx := context.Background()
	broker := d.consumer.broker
	_, err := broker.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, broker.processingKey(d.consumer.queue), 1, d.raw)
		pipe.ZRem(ctx, broker.leasesKey(d.consumer.queue), d.raw)
		pipe.RPush(ctx, broker.pendingKey(d.consumer.queue), d.raw)
		return nil
	})
	return err
}
