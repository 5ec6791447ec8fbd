package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Supported broker drivers.
const (
	DriverNATS  = "nats"
	DriverRedis = "redis"
)

// Options carries the connections a driver may need.
type Options struct {
	Driver string
	Prefix string
	NATS   *nats.Conn
	Redis  *redis.Client
}

// Open builds the broker selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverNATS:
		return NewNATSBroker(ctx, opts.NATS, opts.Prefix)
	case DriverRedis:
		return NewRedisBroker(opts.Redis, opts.Prefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
}
