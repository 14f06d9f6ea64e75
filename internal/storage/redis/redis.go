// Package redis implements storage.Store on a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/italolelis/lesson_offline/internal/storage"
)

const scanCount = 256

// Store keeps every record as a plain string value under its key.
type Store struct {
	client goredis.UniversalClient
	ns     string
}

// NewStore wraps client. Keys are stored under namespace, which may be empty.
func NewStore(client goredis.UniversalClient, namespace string) *Store {
	return &Store{client: client, ns: namespace}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr, namespace string) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}

	return NewStore(client, namespace), nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.ns+key, value, 0).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.ns+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.ns+key).Err()
}

// List scans keys matching prefix and fetches their values with MGET.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	var keys []string

	iter := s.client.Scan(ctx, 0, escapeGlob(s.ns+prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", prefix, err)
	}

	if len(keys) == 0 {
		return nil, nil
	}

	sort.Strings(keys)

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %q: %w", prefix, err)
	}

	entries := make([]storage.Entry, 0, len(keys))

	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// deleted between SCAN and MGET
			continue
		}

		entries = append(entries, storage.Entry{
			Key:   strings.TrimPrefix(keys[i], s.ns),
			Value: []byte(str),
		})
	}

	return entries, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

	return r.Replace(s)
}
