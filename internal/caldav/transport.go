// Package caldav talks to the remote calendar server. It is protocol glue
// only: no reconciliation decisions are made here.
package caldav

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// RemoteCalendar describes one event-capable calendar collection.
type RemoteCalendar struct {
	Handle      string // collection path used to address the calendar
	URL         string // absolute address, used to derive the local id
	Name        string
	Description string
	Color       string
	Writable    bool

	// ChangeToken is a ctag or sync token when the server reports one.
	ChangeToken string
}

// RemoteItem is one fetched calendar object.
type RemoteItem struct {
	Href string
	ETag string
	Data string
}

// RemoteHandle addresses a stored calendar object for update and delete.
type RemoteHandle struct {
	Href string
	ETag string
}

// Transport is the capability set the sync engine consumes. Every method may
// block on network I/O.
type Transport interface {
	VerifyCredentials(ctx context.Context) error
	ListCalendars(ctx context.Context) ([]RemoteCalendar, error)
	FetchAllEvents(ctx context.Context, calendarHandle string) ([]RemoteItem, error)
	CreateEvent(ctx context.Context, calendarHandle, uid, text string) (RemoteHandle, error)
	UpdateEvent(ctx context.Context, calendarHandle string, h RemoteHandle, text string) (RemoteHandle, error)
	DeleteEvent(ctx context.Context, calendarHandle string, h RemoteHandle) error
}

// Dialer builds a Transport for a username/secret pair.
type Dialer func(username, secret string) (Transport, error)

// CalendarID derives the stable local identifier for a remote calendar
// address: the first 16 hex characters of its SHA-256.
func CalendarID(remoteURL string) string {
	sum := sha256.Sum256([]byte(remoteURL))
	return hex.EncodeToString(sum[:8])
}
