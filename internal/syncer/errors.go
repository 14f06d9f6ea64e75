package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline is returned by ForceSync while the remote is unreachable.
	ErrOffline = errors.New("device is offline")

	// ErrSyncInProgress is returned when an attempt is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrRejected is wrapped by SyncError when the remote refused records
	// and the local value stayed authoritative.
	ErrRejected = errors.New("progress records rejected")
)

// SyncError describes a failed sync attempt.
type SyncError struct {
	Trigger  string
	Pushed   int // records sent before the failure
	Rejected int
	Err      error
}

func (e *SyncError) Error() string {
	if e.Rejected > 0 {
		return fmt.Sprintf("sync (%s) failed: %d of %d records rejected: %v", e.Trigger, e.Rejected, e.Pushed, e.Err)
	}

	return fmt.Sprintf("sync (%s) failed after %d records: %v", e.Trigger, e.Pushed, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
