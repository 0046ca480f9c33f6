// Package redis implements store.Store on Redis.
//
// Each table is a hash (key -> JSON document) plus a sorted set that keeps
// insertion order. Writes are published on a per-table channel so that
// sessions in other processes receive change notifications.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// Config holds Redis connection settings.
type Config struct {
	Addr   string
	Prefix string
}

// DefaultConfig returns the default Redis configuration.
func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		Prefix: "wirechat:",
	}
}

// envelope is the pub/sub payload.
type envelope struct {
	Op   store.Op        `json:"op"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Store implements store.Store with a Redis client.
type Store struct {
	client *goredis.Client
	prefix string
	log    *zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *zerolog.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr: cfg.Addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string, logger *zerolog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultConfig().Prefix
	}
	return &Store{client: client, prefix: prefix, log: logger}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) dataKey(table store.Table) string {
	return fmt.Sprintf("%s%s:%s:data", s.prefix, table.Room, table.Kind)
}

func (s *Store) orderKey(table store.Table) string {
	return fmt.Sprintf("%s%s:%s:order", s.prefix, table.Room, table.Kind)
}

func (s *Store) seqKey() string {
	return s.prefix + "seq"
}

func (s *Store) channel(table store.Table) string {
	return fmt.Sprintf("%s%s:%s:changes", s.prefix, table.Room, table.Kind)
}

// Upsert writes key and publishes an insert or update.
func (s *Store) Upsert(ctx context.Context, table store.Table, key string, data []byte) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}

	var added *goredis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		added = pipe.HSet(ctx, s.dataKey(table), key, data)
		pipe.ZAddNX(ctx, s.orderKey(table), goredis.Z{Score: seq, Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, key, err)
	}

	op := store.OpUpdate
	if added.Val() > 0 {
		op = store.OpInsert
	}
	return s.publish(ctx, table, envelope{Op: op, Key: key, Data: data})
}

// insertScript sets the record, assigns its order and reports whether the key
// was absent, all in one step.
var insertScript = goredis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[2], 'NX', seq, ARGV[1])
return 1
`)

// Insert writes key only if it is absent.
func (s *Store) Insert(ctx context.Context, table store.Table, key string, data []byte) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}

	keys := []string{s.dataKey(table), s.orderKey(table), s.seqKey()}
	added, err := insertScript.Run(ctx, s.client, keys, key, data).Int()
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", table, key, err)
	}
	if added == 0 {
		return store.ErrConflict
	}
	return s.publish(ctx, table, envelope{Op: store.OpInsert, Key: key, Data: data})
}

// Delete removes key. Missing keys publish nothing.
func (s *Store) Delete(ctx context.Context, table store.Table, key string) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}

	var removed *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.dataKey(table), key)
		pipe.ZRem(ctx, s.orderKey(table), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	if removed.Val() == 0 {
		return nil
	}
	return s.publish(ctx, table, envelope{Op: store.OpDelete, Key: key})
}

// Query returns matching records in insertion order. Without a match filter
// only the last Limit order entries are read.
func (s *Store) Query(ctx context.Context, table store.Table, opts store.QueryOptions) ([]store.Record, error) {
	start := int64(0)
	if opts.Match == nil && opts.Limit > 0 {
		start = -int64(opts.Limit)
	}
	keys, err := s.client.ZRange(ctx, s.orderKey(table), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", table, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.dataKey(table), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	records := make([]store.Record, 0, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Order entry without data: a delete raced this read.
			continue
		}
		records = append(records, store.Record{Key: keys[i], Data: []byte(str)})
	}
	return store.Select(records, opts), nil
}

// Subscribe listens on the table's change channel.
func (s *Store) Subscribe(ctx context.Context, table store.Table, handler store.Handler) (store.Unsubscribe, error) {
	pubsub := s.client.Subscribe(context.Background(), s.channel(table))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				if s.log != nil {
					s.log.Warn().Err(err).Str("table", table.String()).Msg("decode change")
				}
				continue
			}
			handler(store.Change{Table: table, Op: env.Op, Key: env.Key, Data: env.Data})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) && s.log != nil {
				s.log.Debug().Err(err).Str("table", table.String()).Msg("close pubsub")
			}
		})
	}, nil
}

func (s *Store) publish(ctx context.Context, table store.Table, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel(table), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", table, err)
	}
	return nil
}

// nextSeq returns a store-wide increasing number used to order records.
func (s *Store) nextSeq(ctx context.Context) (float64, error) {
	n, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return float64(n), nil
}
