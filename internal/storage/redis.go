package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "relaybot/pkg/logx"
)

const defaultRedisPrefix = "relaybot:session:"

// redisStore keeps each credential in a hash with blob, version and updated_at fields.
type redisStore struct {
	client *redis.Client
	log    logx.Logger
	prefix string
}

func openRedis(cfg Config, log logx.Logger) (CredentialStore, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	// The client dials lazily; an unreachable server only fails individual calls.
	client := redis.NewClient(opts)

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, log: log, prefix: prefix}, nil
}

func (s *redisStore) Load(ctx context.Context, key string) (Record, bool, error) {
	m, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return Record{}, false, err
	}
	blob, ok := m["blob"]
	if !ok {
		return Record{}, false, nil
	}
	rec := Record{Blob: []byte(blob)}
	rec.Version, _ = strconv.ParseInt(m["version"], 10, 64)
	if ms, err := strconv.ParseInt(m["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec, true, nil
}

func (s *redisStore) Save(ctx context.Context, key string, blob []byte) error {
	if err := checkWrite(key, blob); err != nil {
		return err
	}
	k := s.prefix + key
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k, "blob", blob, "updated_at", time.Now().UnixMilli())
		p.HIncrBy(ctx, k, "version", 1)
		return nil
	})
	return err
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
