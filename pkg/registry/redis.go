package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"mcpgov/pkg/models"
)

const defaultPrefix = "mcpgov:registry:"

// RedisStore keeps models in a hash keyed by model_id and their registration
// order in a sorted set scored by an INCR sequence.
type RedisStore struct {
	Client redis.Cmdable
	Prefix string
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{Client: client, Prefix: defaultPrefix}
}

func (s *RedisStore) key(name string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return prefix + name
}

func (s *RedisStore) Put(ctx context.Context, m models.RegisteredModel) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	seq, err := s.Client.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("registry sequence: %w", err)
	}
	_, err = s.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.key("models"), m.ModelID, raw)
		p.ZAddNX(ctx, s.key("order"), redis.Z{Score: float64(seq), Member: m.ModelID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry put: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]models.RegisteredModel, error) {
	ids, err := s.Client.ZRange(ctx, s.key("order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry order: %w", err)
	}
	out := make([]models.RegisteredModel, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	vals, err := s.Client.HMGet(ctx, s.key("models"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("registry models: %w", err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m models.RegisteredModel
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode model %s: %w", ids[i], err)
		}
		out = append(out, m)
	}
	return out, nil
}
