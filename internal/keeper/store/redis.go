package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trigg3rX/power-agent-node/internal/keeper/agent"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

const scanBatch = 100

type RedisConfig struct {
	URL string
	// TTL bounds how long a snapshot survives a stopped publisher
	TTL         time.Duration
	DialTimeout time.Duration
}

// RedisStore keeps snapshots as JSON strings under keeper:status:<network>:<agent>
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

func NewRedisStore(cfg RedisConfig, logger logging.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	s := &RedisStore{client: redis.NewClient(opt), ttl: cfg.TTL, logger: logger}
	if err := s.CheckConnection(); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	return s, nil
}

// New returns a Redis store, or a memory store when url is empty or Redis
// cannot be reached.
func New(cfg RedisConfig, logger logging.Logger) Store {
	if cfg.URL == "" {
		logger.Info("No Redis URL configured, keeping status snapshots in memory")
		return NewMemoryStore(cfg.TTL)
	}
	s, err := NewRedisStore(cfg, logger)
	if err != nil {
		logger.Warn("Redis unavailable, keeping status snapshots in memory", "error", err)
		return NewMemoryStore(cfg.TTL)
	}
	return s
}

func (s *RedisStore) CheckConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.client.Ping(ctx).Result(); err != nil {
		s.logger.Errorf("Failed to connect to Redis: %v", err)
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	s.logger.Info("Successfully connected to Redis")
	return nil
}

func (s *RedisStore) Save(ctx context.Context, st agent.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Key(st.Network, st.Address), data, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, network, address string) (*agent.Status, error) {
	data, err := s.client.Get(ctx, Key(network, address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st agent.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", Key(network, address), err)
	}
	return &st, nil
}

func (s *RedisStore) List(ctx context.Context) ([]agent.Status, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]agent.Status, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var st agent.Status
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.logger.Warn("Skipping undecodable snapshot", "key", keys[i], "error", err)
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
