package storage

import (
	"testing"

	"github.com/italolelis/lesson_offline/internal/lesson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaKeyRoundTrip(t *testing.T) {
	key := MediaKey("lesson:42", lesson.QualityHD)
	assert.Equal(t, "media:lesson:42:hd", key)

	lessonID, quality, err := ParseMediaKey(key)
	require.NoError(t, err)
	assert.Equal(t, "lesson:42", lessonID)
	assert.Equal(t, lesson.QualityHD, quality)
}

func TestParseMediaKey_Invalid(t *testing.T) {
	tests := []string{"progress:a:b:c", "media:", "media:nocolon"}

	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			_, _, err := ParseMediaKey(key)
			require.Error(t, err)
		})
	}
}

func TestProgressKeyRoundTrip(t *testing.T) {
	k := lesson.Key{UserID: "u1", CourseID: "c1", LessonID: "l1"}

	key := ProgressKey(k)
	assert.Equal(t, "progress:u1:c1:l1", key)

	parsed, err := ParseProgressKey(key)
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	_, err = ParseProgressKey("progress:u1:c1")
	require.Error(t, err)
}

func TestDecode_Corrupt(t *testing.T) {
	var rec MediaRecord

	err := Decode([]byte("{not json"), &rec)
	require.ErrorIs(t, err, ErrCorrupt)
}
