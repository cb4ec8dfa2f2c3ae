package counterstore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"
)

const (
	BackendDatastore = "datastore"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

type Config struct {
	// Backend is one of datastore|redis|memory.
	Backend string

	ProjectID       string
	Namespace       string
	CredentialsFile string

	RedisAddrs  []string
	RedisPrefix string
	// RedisClient is used instead of dialing RedisAddrs when set. Closing the backend closes it.
	RedisClient redis.UniversalClient
}

// OpenBackend builds the backend selected by cfg. The caller owns the returned backend and must Close it.
func OpenBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Backend {
	case BackendDatastore, "":
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		cl, err := datastore.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("datastore.NewClient: %w", err)
		}
		return NewDatastoreBackend(cl, cfg.Namespace), nil
	case BackendRedis:
		if cfg.RedisClient != nil {
			return NewRedisBackend(cfg.RedisClient, cfg.RedisPrefix), nil
		}
		if len(cfg.RedisAddrs) == 0 {
			return nil, fmt.Errorf("counterstore.OpenBackend: redis address must be specified")
		}
		cl, err := NewRedisClient(ctx, cfg.RedisAddrs)
		if err != nil {
			return nil, err
		}
		return NewRedisBackend(cl, cfg.RedisPrefix), nil
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("counterstore.OpenBackend: unknown backend: %s", cfg.Backend)
	}
}

// NewRedisClient connects to a single node or, with several addrs, a cluster.
func NewRedisClient(ctx context.Context, addrs []string) (redis.UniversalClient, error) {
	cl := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		DialTimeout:  time.Second * 2,
		ReadTimeout:  time.Second * 2,
		WriteTimeout: time.Second * 2,
		PoolSize:     200,
		PoolTimeout:  time.Second * 5,
	})
	if err := cl.Ping(ctx).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("redis.Ping: %w", err)
	}
	return cl, nil
}
