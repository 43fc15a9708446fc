package callstate

import (
	"context"
	"encoding/json"
	"time"

	"callpilot/pkg/errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	redisKeyPrefix     = "callpilot:state:"
	redisUpdateRetries = 5
)

// RedisConfig holds the optional shared state store settings
type RedisConfig struct {
	Enabled  bool          `json:"enabled" env:"REDIS_ENABLED" default:"false"`
	Addr     string        `json:"addr" env:"REDIS_ADDR" default:"localhost:6379"`
	Password string        `json:"-" env:"REDIS_PASSWORD"`
	DB       int           `json:"db" env:"REDIS_DB" default:"0"`
	StateTTL time.Duration `json:"state_ttl" env:"REDIS_STATE_TTL" default:"6h"`
}

// RedisStore keeps call state in Redis so it survives restarts. Entries
// expire after StateTTL so abandoned calls do not accumulate.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger, now: time.Now}
}

// NewRedisClient creates a client from configuration and verifies it with PING
func NewRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis", map[string]interface{}{"addr": cfg.Addr})
	}
	return client, nil
}

func redisKey(callID string) string {
	return redisKeyPrefix + callID
}

func (s *RedisStore) load(ctx context.Context, getter redis.Cmdable, callID string) (*State, bool, error) {
	data, err := getter.Get(ctx, redisKey(callID)).Bytes()
	if err == redis.Nil {
		return newState(callID, s.now()), false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read call state", map[string]interface{}{"call_id": callID})
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, errors.Wrap(err, "failed to decode call state", map[string]interface{}{"call_id": callID})
	}
	return &state, true, nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, callID string) (*State, error) {
	state, found, err := s.load(ctx, s.client, callID)
	if err != nil || found {
		return state, err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	// SETNX keeps a concurrent creator's state
	if err := s.client.SetNX(ctx, redisKey(callID), data, s.ttl).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to create call state", map[string]interface{}{"call_id": callID})
	}
	state, _, err = s.load(ctx, s.client, callID)
	return state, err
}

// Update implements Store with an optimistic WATCH/MULTI transaction
func (s *RedisStore) Update(ctx context.Context, callID string, patch func(*State)) (*State, error) {
	key := redisKey(callID)
	var result *State

	txf := func(tx *redis.Tx) error {
		state, _, err := s.load(ctx, tx, callID)
		if err != nil {
			return err
		}
		patch(state)

		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			result = state
		}
		return err
	}

	for attempt := 0; attempt < redisUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if err != redis.TxFailedErr {
			return nil, errors.Wrap(err, "failed to update call state", map[string]interface{}{"call_id": callID})
		}
		s.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"attempt": attempt + 1,
		}).Debug("Call state changed during update, retrying")
	}

	return nil, errors.New("call state update contention", map[string]interface{}{"call_id": callID})
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := s.client.Del(ctx, redisKey(callID)).Err(); err != nil {
		return errors.Wrap(err, "failed to delete call state", map[string]interface{}{"call_id": callID})
	}
	return nil
}

// Count implements Store
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, errors.Wrap(err, "failed to count call states")
	}
	return count, nil
}
