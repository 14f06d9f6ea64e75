// Package lesson holds the types shared by the download, progress and sync components.
package lesson

import (
	"fmt"
	"strings"
	"time"
)

// Quality is the encoding profile of a downloaded lesson.
type Quality string

const (
	QualitySD    Quality = "sd"
	QualityHD    Quality = "hd"
	QualityAudio Quality = "audio"
)

// Qualities lists every known quality tier.
var Qualities = []Quality{QualitySD, QualityHD, QualityAudio}

func (q Quality) String() string {
	return string(q)
}

// Valid reports whether q is one of the known quality tiers.
func (q Quality) Valid() bool {
	switch q {
	case QualitySD, QualityHD, QualityAudio:
		return true
	}

	return false
}

// ParseQuality converts user input into a Quality.
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(s)))
	if !q.Valid() {
		return "", fmt.Errorf("invalid quality %q", s)
	}

	return q, nil
}

// Key identifies the progress of one user on one lesson of a course.
type Key struct {
	UserID   string `json:"userId"`
	CourseID string `json:"courseId"`
	LessonID string `json:"lessonId"`
}

func (k Key) String() string {
	return k.UserID + "/" + k.CourseID + "/" + k.LessonID
}

// Validate checks that every component of the key is set.
func (k Key) Validate() error {
	if k.UserID == "" || k.CourseID == "" || k.LessonID == "" {
		return fmt.Errorf("incomplete progress key %q", k.String())
	}

	return nil
}

// Chapter marks the start of a named section inside a lesson video.
type Chapter struct {
	Title string  `json:"title"`
	Start float64 `json:"start"`
}

// VideoProgress is the locally persisted watch state of a lesson.
// All time values are seconds.
type VideoProgress struct {
	UserID               string    `json:"userId"`
	CourseID             string    `json:"courseId"`
	LessonID             string    `json:"lessonId"`
	CurrentTime          float64   `json:"currentTime"`
	Duration             float64   `json:"duration,omitempty"`
	WatchedTime          float64   `json:"watchedTime"`
	CompletionPercentage float64   `json:"completionPercentage"`
	Completed            bool      `json:"completed"`
	CompletedAt          time.Time `json:"completedAt,omitempty"`
	LastUpdated          time.Time `json:"lastUpdated"`

	// Dirty is set on every local write and cleared once the remote confirmed the
	// revision that was pushed.
	Dirty    bool      `json:"dirty"`
	Revision int64     `json:"revision"`
	SyncedAt time.Time `json:"syncedAt,omitempty"`
}

// Key returns the identity of the record.
func (p *VideoProgress) Key() Key {
	return Key{UserID: p.UserID, CourseID: p.CourseID, LessonID: p.LessonID}
}
