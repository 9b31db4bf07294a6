package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"calmirror/internal/caldav"
	"calmirror/internal/credentials"
	"calmirror/internal/ics"
	"calmirror/internal/store"
)

// fakeTransport is a scripted in-memory remote account.
type fakeTransport struct {
	mu sync.Mutex

	calendars []caldav.RemoteCalendar
	items     map[string][]caldav.RemoteItem // by calendar handle

	verifyErr error
	listErr   error
	fetchErr  map[string]error
	pushErr   error

	// conditional makes writes behave like If-Match / If-None-Match: *.
	conditional bool

	creates, updates, deletes, fetches int
	etagSeq                            int

	// block, when set, holds FetchAllEvents until closed; started is closed
	// when the first fetch begins.
	block     chan struct{}
	started   chan struct{}
	startOnce sync.Once
}

var _ caldav.Transport = (*fakeTransport)(nil)

func newFakeTransport(handles ...string) *fakeTransport {
	ft := &fakeTransport{
		items:    make(map[string][]caldav.RemoteItem),
		fetchErr: make(map[string]error),
	}
	for _, h := range handles {
		ft.calendars = append(ft.calendars, caldav.RemoteCalendar{
			Handle:   h,
			URL:      "https://dav.example.com" + h,
			Name:     strings.Trim(h, "/"),
			Writable: true,
		})
		ft.items[h] = nil
	}
	return ft
}

func calID(handle string) string {
	return caldav.CalendarID("https://dav.example.com" + handle)
}

func (f *fakeTransport) VerifyCredentials(context.Context) error {
	return f.verifyErr
}

func (f *fakeTransport) ListCalendars(context.Context) ([]caldav.RemoteCalendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]caldav.RemoteCalendar(nil), f.calendars...), nil
}

func (f *fakeTransport) FetchAllEvents(ctx context.Context, handle string) ([]caldav.RemoteItem, error) {
	if f.block != nil {
		f.startOnce.Do(func() { close(f.started) })
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.fetchErr[handle]; err != nil {
		return nil, &caldav.TransportError{Op: "fetch", Err: err}
	}
	return append([]caldav.RemoteItem(nil), f.items[handle]...), nil
}

func (f *fakeTransport) CreateEvent(_ context.Context, handle, uid, text string) (caldav.RemoteHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.pushErr != nil {
		return caldav.RemoteHandle{}, f.pushErr
	}
	href := handle + uid + ".ics"
	if _, ok := f.find(handle, href); ok && f.conditional {
		return caldav.RemoteHandle{}, &caldav.TransportError{Op: "create event", Err: caldav.ErrPreconditionFailed}
	}
	item := caldav.RemoteItem{Href: href, ETag: f.nextETag(), Data: text}
	f.items[handle] = append(f.items[handle], item)
	return caldav.RemoteHandle{Href: item.Href, ETag: item.ETag}, nil
}

func (f *fakeTransport) UpdateEvent(_ context.Context, handle string, h caldav.RemoteHandle, text string) (caldav.RemoteHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.pushErr != nil {
		return caldav.RemoteHandle{}, f.pushErr
	}
	if cur, ok := f.find(handle, h.Href); ok && f.conditional && h.ETag != "" && h.ETag != cur.ETag {
		return caldav.RemoteHandle{}, &caldav.TransportError{Op: "update event", Err: caldav.ErrPreconditionFailed}
	}
	etag := f.nextETag()
	f.replace(handle, h.Href, caldav.RemoteItem{Href: h.Href, ETag: etag, Data: text})
	return caldav.RemoteHandle{Href: h.Href, ETag: etag}, nil
}

func (f *fakeTransport) DeleteEvent(_ context.Context, handle string, h caldav.RemoteHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.pushErr != nil {
		return f.pushErr
	}
	kept := f.items[handle][:0]
	for _, it := range f.items[handle] {
		if it.Href != h.Href {
			kept = append(kept, it)
		}
	}
	f.items[handle] = kept
	return nil
}

// put adds or replaces a remote item and returns its href.
func (f *fakeTransport) put(handle, uid, text string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	href := handle + uid + ".ics"
	f.replace(handle, href, caldav.RemoteItem{Href: href, ETag: f.nextETag(), Data: text})
	return href
}

func (f *fakeTransport) remove(handle, uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.items[handle][:0]
	for _, it := range f.items[handle] {
		if it.Href != handle+uid+".ics" {
			kept = append(kept, it)
		}
	}
	f.items[handle] = kept
}

func (f *fakeTransport) replace(handle, href string, item caldav.RemoteItem) {
	for i, it := range f.items[handle] {
		if it.Href == href {
			f.items[handle][i] = item
			return
		}
	}
	f.items[handle] = append(f.items[handle], item)
}

func (f *fakeTransport) find(handle, href string) (caldav.RemoteItem, bool) {
	for _, it := range f.items[handle] {
		if it.Href == href {
			return it, true
		}
	}
	return caldav.RemoteItem{}, false
}

func (f *fakeTransport) nextETag() string {
	f.etagSeq++
	return fmt.Sprintf(`"etag-%d"`, f.etagSeq)
}

func (f *fakeTransport) counts() (creates, updates, deletes, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.updates, f.deletes, f.fetches
}

func (f *fakeTransport) itemData(handle, uid string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items[handle] {
		if it.Href == handle+uid+".ics" {
			return it.Data
		}
	}
	return ""
}

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	engine *Engine
	store  *store.Memory
	creds  *credentials.Vault
	remote *fakeTransport
}

// newTestEnv builds an engine over an in-memory store with ft attached.
func newTestEnv(t *testing.T, ft *fakeTransport) testEnv {
	t.Helper()
	st := store.NewMemory()
	vault := credentials.NewVault(st, "test-passphrase")
	session := NewSession()
	session.Attach(ft, "user@example.com")

	seq := 0
	engine := NewEngine(st, vault, session, func(string, string) (caldav.Transport, error) {
		return ft, nil
	}, Options{
		Now: func() time.Time { return testNow },
		NewUID: func() string {
			seq++
			return fmt.Sprintf("local-%d", seq)
		},
	})
	return testEnv{engine: engine, store: st, creds: vault, remote: ft}
}

func remoteText(t *testing.T, uid, summary string, start time.Time) string {
	t.Helper()
	raw, err := ics.Build(ics.Draft{Summary: summary, Start: start, End: start.Add(time.Hour)}, uid)
	require.NoError(t, err)
	return raw
}

func ptr[T any](v T) *T { return &v }
