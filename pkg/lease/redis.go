package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateKeyPrefix = "absconda:builder:"

// txRetries bounds optimistic-concurrency retries when another caller races
// the same builder record.
const txRetries = 16

// RedisStore keeps builder state in redis, one JSON value per builder. The
// atomic Update contract is implemented with WATCH so a concurrent writer
// aborts the transaction and we retry against the fresh record.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func stateKey(name string) string {
	return stateKeyPrefix + name
}

func (s *RedisStore) Get(ctx context.Context, name string) (State, error) {
	data, err := s.client.Get(ctx, stateKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return *newState(name), nil
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse state record for %q: %w", name, err)
	}
	return st, nil
}

func (s *RedisStore) Update(ctx context.Context, name string, fn func(st *State) error) (State, error) {
	key := stateKey(name)
	var result State

	txn := func(tx *redis.Tx) error {
		st := newState(name)
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if err := json.Unmarshal(data, st); err != nil {
				return fmt.Errorf("parse state record for %q: %w", name, err)
			}
		}
		if err := fn(st); err != nil {
			return err
		}
		st.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = *st
		return nil
	}

	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return State{}, err
	}
	return State{}, fmt.Errorf("update of builder %q kept losing races, giving up", name)
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	return s.client.Del(ctx, stateKey(name)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
