package sqlite

import (
	"context"

	"github.com/italolelis/lesson_offline/internal/storage"
	"github.com/italolelis/lesson_offline/internal/telemetry"
)

// InstrumentedStore wraps a storage.Store with telemetry.
type InstrumentedStore struct {
	store     storage.Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented store wrapper.
func NewInstrumentedStore(store storage.Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     store,
		telemetry: tel,
	}
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte) error {
	return s.telemetry.InstrumentDBOperation(ctx, "put", func(ctx context.Context) error {
		return s.store.Put(ctx, key, value)
	})
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := s.telemetry.InstrumentDBOperation(ctx, "get", func(ctx context.Context) error {
		var err error

		value, err = s.store.Get(ctx, key)

		return err
	})

	return value, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	return s.telemetry.InstrumentDBOperation(ctx, "delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, key)
	})
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]storage.Entry, error) {
	var entries []storage.Entry

	err := s.telemetry.InstrumentDBOperation(ctx, "list", func(ctx context.Context) error {
		var err error

		entries, err = s.store.List(ctx, prefix)

		return err
	})

	return entries, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}
