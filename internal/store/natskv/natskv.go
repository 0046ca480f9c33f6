// Package natskv implements store.Store on NATS JetStream key-value buckets.
// Each room table maps to one bucket; bucket watches provide the change stream,
// so sessions on different processes see each other's writes.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

var invalidBucketChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Config holds NATS connection settings.
type Config struct {
	URL          string
	BucketPrefix string
	// MessageHistoryAge bounds how long message buckets retain entries. Zero keeps them forever.
	MessageHistoryAge time.Duration
}

// DefaultConfig returns the default NATS configuration.
func DefaultConfig() Config {
	return Config{
		URL:          nats.DefaultURL,
		BucketPrefix: "wirechat",
	}
}

// Store implements store.Store with one JetStream KV bucket per table.
type Store struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg Config
	log *zerolog.Logger

	mu      sync.Mutex
	buckets map[store.Table]jetstream.KeyValue
}

// New connects to NATS and prepares JetStream.
func New(cfg Config, logger *zerolog.Logger) (*Store, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = DefaultConfig().BucketPrefix
	}

	return &Store{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		log:     logger,
		buckets: make(map[store.Table]jetstream.KeyValue),
	}, nil
}

// Close drains the NATS connection.
func (s *Store) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

// BucketName returns the KV bucket used for table.
func (s *Store) BucketName(table store.Table) string {
	name := fmt.Sprintf("%s_%s_%s", s.cfg.BucketPrefix, table.Room, table.Kind)
	return invalidBucketChars.ReplaceAllString(name, "_")
}

func (s *Store) bucket(ctx context.Context, table store.Table) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kv, ok := s.buckets[table]; ok {
		return kv, nil
	}

	cfg := jetstream.KeyValueConfig{
		Bucket:      s.BucketName(table),
		Description: fmt.Sprintf("wirechat %s", table),
		History:     1,
		Storage:     jetstream.MemoryStorage,
	}
	if table.Kind == store.TableKindMessages {
		cfg.Storage = jetstream.FileStorage
		cfg.TTL = s.cfg.MessageHistoryAge
	}

	kv, err := s.js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
	s.buckets[table] = kv
	return kv, nil
}

// Upsert puts key into the table bucket.
func (s *Store) Upsert(ctx context.Context, table store.Table, key string, data []byte) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}
	kv, err := s.bucket(ctx, table)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

// Insert creates key, failing with store.ErrConflict if it exists.
func (s *Store) Insert(ctx context.Context, table store.Table, key string, data []byte) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}
	kv, err := s.bucket(ctx, table)
	if err != nil {
		return err
	}
	if _, err := kv.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return store.ErrConflict
		}
		return fmt.Errorf("create %s/%s: %w", table, key, err)
	}
	return nil
}

// Delete removes key. Missing keys are skipped so no delete marker is written.
func (s *Store) Delete(ctx context.Context, table store.Table, key string) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}
	kv, err := s.bucket(ctx, table)
	if err != nil {
		return err
	}
	if _, err := kv.Get(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	if err := kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	return nil
}

// Query reads every live key and orders them by revision.
func (s *Store) Query(ctx context.Context, table store.Table, opts store.QueryOptions) ([]store.Record, error) {
	kv, err := s.bucket(ctx, table)
	if err != nil {
		return nil, err
	}

	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys %s: %w", table, err)
	}
	defer lister.Stop()

	type entry struct {
		rev uint64
		rec store.Record
	}
	var entries []entry
	for key := range lister.Keys() {
		e, err := kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get %s/%s: %w", table, key, err)
		}
		entries = append(entries, entry{rev: e.Revision(), rec: store.Record{Key: key, Data: e.Value()}})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rev < entries[j].rev })
	records := make([]store.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.rec)
	}
	return store.Select(records, opts), nil
}

// Subscribe watches the table bucket for new writes.
// Every put is reported as store.OpInsert because KV watches do not
// distinguish creates from overwrites.
func (s *Store) Subscribe(ctx context.Context, table store.Table, handler store.Handler) (store.Unsubscribe, error) {
	kv, err := s.bucket(ctx, table)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	watcher, err := kv.WatchAll(watchCtx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", table, err)
	}

	go func() {
		for entry := range watcher.Updates() {
			if entry == nil {
				continue
			}
			change := store.Change{Table: table, Key: entry.Key()}
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				change.Op = store.OpInsert
				change.Data = entry.Value()
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				change.Op = store.OpDelete
			default:
				continue
			}
			handler(change)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := watcher.Stop(); err != nil && s.log != nil {
				s.log.Debug().Err(err).Str("table", table.String()).Msg("stop kv watcher")
			}
			cancel()
		})
	}, nil
}
