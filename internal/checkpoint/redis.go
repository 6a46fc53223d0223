package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces checkpoint keys in a shared Redis.
const DefaultRedisPrefix = "mailbot:checkpoint:"

// RedisStore keeps one hash per instance. HSET replaces all fields in a
// single command, so readers never see half an update.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects to the Redis server at url (redis://[:password@]host:port/db)
// and checks it answers.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: DefaultRedisPrefix}, nil
}

func (s *RedisStore) key(instance string) string { return s.prefix + instance }

// Load reads the checkpoint of instance.
func (s *RedisStore) Load(ctx context.Context, instance string) (Checkpoint, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(instance)).Result()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", instance, err)
	}
	if len(vals) == 0 {
		return Checkpoint{}, ErrNotFound
	}

	id, err := strconv.ParseUint(vals["last_seen_id"], 10, 64)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", instance, err)
	}
	updated, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", instance, err)
	}
	return Checkpoint{
		LastSeenID: id,
		Marker:     vals["marker"],
		UpdatedAt:  time.Unix(0, updated).UTC(),
	}, nil
}

// Save writes the checkpoint of instance.
func (s *RedisStore) Save(ctx context.Context, instance string, cp Checkpoint) error {
	err := s.rdb.HSet(ctx, s.key(instance),
		"last_seen_id", strconv.FormatUint(cp.LastSeenID, 10),
		"marker", cp.Marker,
		"updated_at", strconv.FormatInt(cp.UpdatedAt.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", instance, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
