package model

import "time"

// SyncStatus tracks where a local event stands relative to the remote copy.
type SyncStatus string

const (
	StatusSynced        SyncStatus = "synced"
	StatusPendingCreate SyncStatus = "pending_create"
	StatusPendingUpdate SyncStatus = "pending_update"
	StatusPendingDelete SyncStatus = "pending_delete"
)

// Pending reports whether the record carries a local change that has not
// reached the remote server yet.
func (s SyncStatus) Pending() bool {
	return s == StatusPendingCreate || s == StatusPendingUpdate || s == StatusPendingDelete
}

// Calendar is a locally cached remote calendar collection.
type Calendar struct {
	ID        string // stable local identifier derived from RemoteURL
	Handle    string // transport addressing handle (collection path)
	RemoteURL string
	Name      string
	Color     string
	Writable  bool

	LastSynced  time.Time // zero until the first successful pass
	ChangeToken string    // optional ctag / sync token reported by the remote
}

// Event is the cached form of a single remote calendar resource.
// Identity is (UID, CalendarID).
type Event struct {
	UID        string
	CalendarID string

	// Remote handle; both empty until the first successful push.
	Href string
	ETag string

	Summary     string
	Description string
	Location    string

	// Start / End are normalized to the reference zone. All-day events use
	// midnight-aligned values.
	Start    time.Time
	End      time.Time
	AllDay   bool
	Timezone string

	RRule        string
	RDates       []time.Time
	ExDates      []time.Time
	RecurrenceID string

	// Raw is the canonical iCalendar text; every structured field above is
	// derived from it.
	Raw string

	Created      time.Time
	LastModified time.Time
	Revision     int

	SyncStatus    SyncStatus
	LocalModified time.Time
}

// HasRemote reports whether the event has been pushed (or fetched) at least once.
func (e Event) HasRemote() bool {
	return e.Href != ""
}

// Recurring reports whether the event carries a recurrence rule.
func (e Event) Recurring() bool {
	return e.RRule != ""
}

// ExpandedInstance represents a single concrete occurrence of an event
// within a query window. It is never persisted.
type ExpandedInstance struct {
	CalendarID string
	UID        string

	// InstanceKey uniquely identifies one occurrence of a recurring event,
	// derived from the occurrence start.
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay bool

	Start time.Time
	End   time.Time

	Recurring bool
	MasterUID string
	RRule     string
}
