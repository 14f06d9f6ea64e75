package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/lesson_offline/internal/lesson"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("record corrupt")
)

// Entry is a key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the local key/value persistence boundary shared by all components.
// Each record kind has exactly one writer component.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key is missing.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// MediaRecord indexes the bytes of one cached lesson at one quality.
type MediaRecord struct {
	LessonID    string         `json:"lessonId"`
	Quality     lesson.Quality `json:"quality"`
	Path        string         `json:"path"`
	Size        int64          `json:"size"`
	CompletedAt time.Time      `json:"completedAt"`
}

// Encode serializes a record for storage.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	return data, nil
}

// Decode deserializes a stored record. Decoding failures wrap ErrCorrupt.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return nil
}

// GetRecord reads and decodes the record stored under key.
func GetRecord(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := Decode(data, v); err != nil {
		return fmt.Errorf("key %s: %w", key, err)
	}

	return nil
}

// PutRecord encodes v and stores it under key.
func PutRecord(ctx context.Context, s Store, key string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}

	return s.Put(ctx, key, data)
}

// MediaRecords lists every cached media record. Corrupt entries are returned
// separately so callers can drop them.
func MediaRecords(ctx context.Context, s Store) ([]MediaRecord, []string, error) {
	entries, err := s.List(ctx, MediaPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list media records: %w", err)
	}

	records := make([]MediaRecord, 0, len(entries))

	var corrupt []string

	for _, e := range entries {
		var rec MediaRecord
		if err := Decode(e.Value, &rec); err != nil {
			corrupt = append(corrupt, e.Key)

			continue
		}

		records = append(records, rec)
	}

	return records, corrupt, nil
}
