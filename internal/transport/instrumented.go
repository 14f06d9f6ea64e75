package transport

import (
	"context"

	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/telemetry"
)

// Source is the media access used by the download manager.
type Source interface {
	Size(ctx context.Context, lessonID string, quality lesson.Quality) (int64, error)
	Open(ctx context.Context, lessonID string, quality lesson.Quality, offset int64) (*Stream, error)
}

var _ Source = (*HTTPTransport)(nil)

// InstrumentedSource wraps a Source with telemetry.
type InstrumentedSource struct {
	source    Source
	telemetry *telemetry.Telemetry
}

// NewInstrumentedSource creates a new instrumented media source.
func NewInstrumentedSource(source Source, tel *telemetry.Telemetry) *InstrumentedSource {
	return &InstrumentedSource{source: source, telemetry: tel}
}

// Size probes the media size with telemetry.
func (s *InstrumentedSource) Size(ctx context.Context, lessonID string, quality lesson.Quality) (int64, error) {
	var size int64

	err := s.telemetry.InstrumentClientOperation(ctx, "media", "size", func(ctx context.Context) error {
		var err error

		size, err = s.source.Size(ctx, lessonID, quality)

		return err
	})

	return size, err
}

// Open opens a media stream with telemetry.
func (s *InstrumentedSource) Open(ctx context.Context, lessonID string, quality lesson.Quality, offset int64) (*Stream, error) {
	var stream *Stream

	err := s.telemetry.InstrumentClientOperation(ctx, "media", "open", func(ctx context.Context) error {
		var err error

		stream, err = s.source.Open(ctx, lessonID, quality, offset)

		return err
	})

	return stream, err
}
