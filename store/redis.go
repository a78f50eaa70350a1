package store

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
)

type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// RedisStore keeps the durable tier in a remote KV service. Hard TTLs are
// pushed down to Redis so expired entries vanish without sweeping.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	logger     types.Logger
	serializer *Serializer
}

func NewRedisStore(logger types.Logger, serializer *Serializer, config *RedisConfig) (*RedisStore, error) {
	if config == nil || config.Address == "" {
		return nil, types.Errorf(types.ErrStoreConnectionFailed, "redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "sai-cache:"
	}

	logger.Debug("Redis store connected",
		zap.String("address", config.Address),
		zap.String("key_prefix", prefix))

	return &RedisStore{
		client:     client,
		keyPrefix:  prefix,
		logger:     logger,
		serializer: serializer,
	}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	data, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, types.ErrStoreKeyNotFound
		}
		return nil, types.WrapError(err, "failed to read from redis")
	}

	return r.serializer.Decode(data)
}

func (r *RedisStore) Put(ctx context.Context, key string, entry *types.CacheEntry) error {
	data, err := r.serializer.Encode(entry)
	if err != nil {
		return err
	}

	var expiration time.Duration
	if !entry.ExpiresAt.IsZero() {
		expiration = time.Until(entry.ExpiresAt)
		if expiration <= 0 {
			// Already expired, nothing durable to keep.
			return nil
		}
	}

	err = r.client.Set(ctx, r.keyPrefix+key, data, expiration).Err()
	return types.WrapError(err, "failed to write to redis")
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	err := r.client.Del(ctx, r.keyPrefix+key).Err()
	return types.WrapError(err, "failed to delete from redis")
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.keyPrefix+prefix+"*", 100).Result()
		if err != nil {
			return nil, types.WrapError(err, "failed to scan redis keys")
		}

		for _, key := range batch {
			keys = append(keys, strings.TrimPrefix(key, r.keyPrefix))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

func (r *RedisStore) Close() error {
	return types.WrapError(r.client.Close(), "failed to close redis store")
}
