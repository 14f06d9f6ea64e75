// Package cleanup holds the retention policy for cached lesson media.
package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/italolelis/lesson_offline/internal/logctx"
	"github.com/italolelis/lesson_offline/internal/storage"
)

// Result summarizes a retention pass.
type Result struct {
	Removed    int      `json:"removed"`
	FreedBytes int64    `json:"freedBytes"`
	Lessons    []string `json:"lessons,omitempty"`
}

// Expired returns the records completed more than keep ago. Records without a
// completion time are aged by the mod time of their file; records whose file
// is gone count as expired. A zero keep disables retention.
func Expired(ctx context.Context, records []storage.MediaRecord, keep time.Duration, now time.Time) []storage.MediaRecord {
	logger := logctx.LoggerFromContext(ctx)

	if keep <= 0 {
		return nil
	}

	var expired []storage.MediaRecord

	for _, rec := range records {
		completedAt := rec.CompletedAt

		if completedAt.IsZero() {
			info, err := os.Stat(rec.Path)

			switch {
			case err == nil:
				logger.WarnContext(ctx, "media record has no completion time, using file mod time", "file", rec.Path)

				completedAt = info.ModTime()
			case !os.IsNotExist(err):
				logger.ErrorContext(ctx, "failed to stat media file", "file", rec.Path, "err", err)

				continue
			}
		}

		if now.Sub(completedAt) > keep {
			expired = append(expired, rec)
		}
	}

	return expired
}
