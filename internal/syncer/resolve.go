package syncer

import "github.com/italolelis/lesson_offline/internal/lesson"

// Resolve decides between the local record and the copy the remote returned.
// The remote wins only when it is newer and not less complete. Watched time
// and completion merge monotonically either way, so applying the result
// twice is harmless.
func Resolve(local, remote lesson.VideoProgress) (lesson.VideoProgress, bool) {
	remoteWins := remote.LastUpdated.After(local.LastUpdated) &&
		remote.CompletionPercentage >= local.CompletionPercentage

	merged := local
	if remoteWins {
		merged = remote
		merged.UserID, merged.CourseID, merged.LessonID = local.UserID, local.CourseID, local.LessonID
		merged.Revision, merged.Dirty, merged.SyncedAt = local.Revision, local.Dirty, local.SyncedAt
	}

	merged.WatchedTime = max(local.WatchedTime, remote.WatchedTime)
	merged.CompletionPercentage = max(local.CompletionPercentage, merged.CompletionPercentage)

	if local.Completed || (remoteWins && remote.Completed) {
		merged.Completed = true
		merged.CompletedAt = local.CompletedAt

		if merged.CompletedAt.IsZero() {
			merged.CompletedAt = remote.CompletedAt
		}
	}

	return merged, remoteWins
}
