package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/italolelis/lesson_offline/internal/storage"
)

func mediaFile(t *testing.T, dir, lessonID string, completedAt time.Time) storage.MediaRecord {
	t.Helper()

	path := filepath.Join(dir, lessonID, "hd.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))

	return storage.MediaRecord{LessonID: lessonID, Quality: lesson.QualityHD, Path: path, Size: 5, CompletedAt: completedAt}
}

func lessonIDs(records []storage.MediaRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.LessonID)
	}

	return ids
}

func TestExpired(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

	records := []storage.MediaRecord{
		mediaFile(t, dir, "old", now.Add(-10*24*time.Hour)),
		mediaFile(t, dir, "fresh", now.Add(-time.Hour)),
		{LessonID: "gone", Quality: lesson.QualitySD, Path: filepath.Join(dir, "gone", "sd.mp4")},
	}

	tests := []struct {
		name string
		keep time.Duration
		want []string
	}{
		{name: "week", keep: 7 * 24 * time.Hour, want: []string{"old", "gone"}},
		{name: "hour boundary is kept", keep: time.Hour, want: []string{"old", "gone"}},
		{name: "minute", keep: time.Minute, want: []string{"old", "fresh", "gone"}},
		{name: "disabled", keep: 0, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Expired(context.Background(), records, tt.keep, now)
			assert.Equal(t, tt.want, lessonIDs(got))
		})
	}
}

func TestExpired_FallsBackToModTime(t *testing.T) {
	records := []storage.MediaRecord{mediaFile(t, t.TempDir(), "legacy", time.Time{})}

	assert.Empty(t, Expired(context.Background(), records, time.Hour, time.Now()), "mod time is recent")
	assert.Len(t, Expired(context.Background(), records, time.Hour, time.Now().Add(2*time.Hour)), 1)
}
