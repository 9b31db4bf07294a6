package syncer

import "errors"

var (
	ErrNotConnected     = errors.New("not connected to a calendar account")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrReadOnlyCalendar = errors.New("calendar is read-only")
	ErrNotFound         = errors.New("not found")
)
