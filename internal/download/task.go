package download

import (
	"time"

	"github.com/italolelis/lesson_offline/internal/lesson"
)

// Status is the lifecycle state of a download task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transition happens without a caller action.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusDownloading, StatusPaused:
		return false
	}

	return false
}

// IsActive reports whether bytes are being transferred.
func (s Status) IsActive() bool {
	return s == StatusDownloading
}

// Task is one download attempt of a lesson at a quality.
type Task struct {
	ID              string         `json:"id"`
	LessonID        string         `json:"lessonId"`
	Quality         lesson.Quality `json:"quality"`
	Status          Status         `json:"status"`
	Progress        float64        `json:"progress"`
	DownloadedBytes int64          `json:"downloadedBytes"`
	TotalBytes      int64          `json:"totalBytes"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Remaining returns the bytes still to be transferred.
func (t *Task) Remaining() int64 {
	return max(t.TotalBytes-t.DownloadedBytes, 0)
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}

	return min(float64(done)*100/float64(total), 100)
}

// Event reports a task transition or transfer progress.
type Event struct {
	TaskID     string         `json:"taskId"`
	LessonID   string         `json:"lessonId"`
	Quality    lesson.Quality `json:"quality"`
	Status     Status         `json:"status"`
	Progress   float64        `json:"progress"`
	Downloaded int64          `json:"downloaded"`
	Total      int64          `json:"total"`
	Err        string         `json:"error,omitempty"`
}

func eventOf(t *Task) Event {
	return Event{
		TaskID:     t.ID,
		LessonID:   t.LessonID,
		Quality:    t.Quality,
		Status:     t.Status,
		Progress:   t.Progress,
		Downloaded: t.DownloadedBytes,
		Total:      t.TotalBytes,
		Err:        t.Error,
	}
}
