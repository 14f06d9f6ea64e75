package storage

import (
	"fmt"
	"strings"

	"github.com/italolelis/lesson_offline/internal/lesson"
)

// Namespaces of the local store.
const (
	MediaPrefix    = "media:"
	ProgressPrefix = "progress:"
	QueuePrefix    = "queue:"
)

// MediaKey returns the key of the cached media of a lesson at a quality.
func MediaKey(lessonID string, quality lesson.Quality) string {
	return MediaPrefix + lessonID + ":" + string(quality)
}

// MediaLessonPrefix returns the prefix matching every quality of a lesson.
func MediaLessonPrefix(lessonID string) string {
	return MediaPrefix + lessonID + ":"
}

// ParseMediaKey splits a media key into its lesson id and quality.
func ParseMediaKey(key string) (string, lesson.Quality, error) {
	rest, ok := strings.CutPrefix(key, MediaPrefix)
	if !ok {
		return "", "", fmt.Errorf("not a media key: %q", key)
	}

	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", "", fmt.Errorf("malformed media key: %q", key)
	}

	return rest[:i], lesson.Quality(rest[i+1:]), nil
}

// ProgressKey returns the key of a progress record.
func ProgressKey(k lesson.Key) string {
	return ProgressPrefix + k.UserID + ":" + k.CourseID + ":" + k.LessonID
}

// ParseProgressKey converts a progress key back into a lesson.Key.
func ParseProgressKey(key string) (lesson.Key, error) {
	rest, ok := strings.CutPrefix(key, ProgressPrefix)
	if !ok {
		return lesson.Key{}, fmt.Errorf("not a progress key: %q", key)
	}

	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return lesson.Key{}, fmt.Errorf("malformed progress key: %q", key)
	}

	return lesson.Key{UserID: parts[0], CourseID: parts[1], LessonID: parts[2]}, nil
}

// QueueKey returns the key of a persisted download task.
func QueueKey(taskID string) string {
	return QueuePrefix + taskID
}
