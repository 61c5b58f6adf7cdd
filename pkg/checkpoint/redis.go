package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisBackend = "redis"

// DefaultRedisKey is the hash holding all positions.
const DefaultRedisKey = "harvester:checkpoint"

// RedisStore keeps positions in one Redis hash with one field per resource.
// Each commit is a single HSET, which Redis applies atomically.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store on the given hash key.
func NewRedisStore(client *redis.Client, key string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}, nil
}

// Key returns the hash key.
func (s *RedisStore) Key() string {
	return s.key
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil && err != redis.Nil {
		checkpointErrorsTotal.WithLabelValues(redisBackend, "load").Inc()
		return nil, fmt.Errorf("load checkpoint hash %s: %w", s.key, err)
	}

	state := make(State, len(fields))
	for resource, value := range fields {
		pos, err := decodeValue(resource, []byte(value))
		if err != nil {
			checkpointErrorsTotal.WithLabelValues(redisBackend, "load").Inc()
			return nil, err
		}
		state[resource] = pos
	}
	return state, nil
}

// Commit implements Store.
func (s *RedisStore) Commit(ctx context.Context, resource string, pos Position) error {
	value, err := encodeValue(pos)
	if err != nil {
		return fmt.Errorf("commit %q: %w", resource, err)
	}

	if err := s.client.HSet(ctx, s.key, resource, string(value)).Err(); err != nil {
		checkpointErrorsTotal.WithLabelValues(redisBackend, "commit").Inc()
		return fmt.Errorf("commit %q to %s: %w", resource, s.key, err)
	}

	checkpointCommitsTotal.WithLabelValues(redisBackend).Inc()
	return nil
}

// Close implements Store. The client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

// Quarantine renames the hash aside so the next run starts fresh.
// It returns the new key, or "" if the hash did not exist.
func (s *RedisStore) Quarantine(ctx context.Context, now time.Time) (string, error) {
	target := fmt.Sprintf("%s.corrupt-%s", s.key, now.UTC().Format("20060102T150405Z"))
	err := s.client.Rename(ctx, s.key, target).Err()
	if err != nil {
		// Redis reports a missing source key as "ERR no such key".
		if strings.Contains(err.Error(), "no such key") {
			return "", nil
		}
		return "", fmt.Errorf("quarantine %s: %w", s.key, err)
	}
	return target, nil
}
