package database

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-autograde/pkg/queue"
)

// QueueSettings selects and locates the job broker.
type QueueSettings struct {
	Driver     string
	Prefix     string
	NATSURL    string
	RedisURL   string
	ClientName string
}

// OpenQueue connects the configured broker and returns a closer for the underlying connection.
func OpenQueue(ctx context.Context, settings QueueSettings) (queue.Broker, func(), error) {
	var (
		natsConn    *nats.Conn
		redisClient *redis.Client
		err         error
	)

	switch settings.Driver {
	case queue.DriverRedis:
		redisClient, err = ConnectRedis(ctx, settings.RedisURL, settings.ClientName)
	default:
		natsConn, err = ConnectNATS(settings.NATSURL, settings.ClientName)
	}
	if err != nil {
		return nil, nil, err
	}

	closer := func() {
		if natsConn != nil {
			_ = natsConn.Drain()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}

	broker, err := queue.Open(ctx, queue.Options{
		Driver: settings.Driver,
		Prefix: settings.Prefix,
		NATS:   natsConn,
		Redis:  redisClient,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}

	return broker, closer, nil
}
