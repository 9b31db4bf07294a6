package caldav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	appLog "calmirror/internal/log"
)

const (
	defaultTimeout = 30 * time.Second
	maxObjectSize  = 4 << 20
)

// Options configures a Client.
type Options struct {
	Endpoint string
	Timeout  time.Duration

	// HTTPTransport overrides the round tripper; tests point it at httptest.
	HTTPTransport http.RoundTripper
}

// Client implements Transport over CalDAV (RFC 4791).
type Client struct {
	endpoint string
	base     *url.URL
	http     webdav.HTTPClient
	dav      *caldav.Client
}

var _ Transport = (*Client)(nil)

// NewClient creates a Client authenticating with HTTP basic auth.
func NewClient(opts Options, username, secret string) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("caldav endpoint is empty")
	}
	base, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav endpoint: %w", err)
	}
	if base.Path == "" {
		base.Path = "/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	rt := opts.HTTPTransport
	if rt == nil {
		rt = http.DefaultTransport
	}

	httpClient := webdav.HTTPClientWithBasicAuth(&http.Client{
		Timeout:   opts.Timeout,
		Transport: &statusTransport{next: rt},
	}, username, secret)
	dav, err := caldav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}

	return &Client{endpoint: opts.Endpoint, base: base, http: httpClient, dav: dav}, nil
}

// NewDialer returns a Dialer bound to opts.
func NewDialer(opts Options) Dialer {
	return func(username, secret string) (Transport, error) {
		return NewClient(opts, username, secret)
	}
}

// VerifyCredentials resolves the current user principal, which every
// server requires authentication for.
func (c *Client) VerifyCredentials(ctx context.Context) error {
	if _, err := c.dav.FindCurrentUserPrincipal(ctx); err != nil {
		appLog.Error("caldav verify failed", err, "url", redactURL(c.endpoint))
		return classify("verify", err)
	}
	return nil
}

// ListCalendars discovers the calendar home set and returns the collections
// that accept VEVENT, with their color, change token and write access.
func (c *Client) ListCalendars(ctx context.Context) ([]RemoteCalendar, error) {
	principal, err := c.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, classify("find principal", err)
	}
	home, err := c.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, classify("find calendar home", err)
	}
	ms, err := c.doMultistatus(ctx, "PROPFIND", home, "1", collectionsPropfind)
	if err != nil {
		return nil, classify("find calendars", err)
	}

	out := make([]RemoteCalendar, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		prop, ok := resp.props()
		if !ok || prop.ResourceType == nil || prop.ResourceType.Calendar == nil {
			continue
		}
		var comps []string
		if prop.Components != nil {
			for _, comp := range prop.Components.Comps {
				comps = append(comps, comp.Name)
			}
		}
		if !supportsEvents(comps) {
			continue
		}

		p := hrefPath(resp.Href)
		name := strings.TrimSpace(prop.DisplayName)
		if name == "" {
			name = path.Base(strings.TrimSuffix(p, "/"))
		}
		token := prop.SyncToken
		if token == "" {
			token = prop.CTag
		}
		out = append(out, RemoteCalendar{
			Handle:      p,
			URL:         c.resolve(p),
			Name:        name,
			Description: prop.Description,
			Color:       normalizeColor(prop.Color),
			Writable:    prop.Privileges == nil || prop.Privileges.canWrite(),
			ChangeToken: token,
		})
	}

	appLog.Info("caldav calendars discovered", "url", redactURL(c.endpoint), "count", len(out))
	return out, nil
}

// FetchAllEvents runs a calendar-query for every VEVENT in the collection.
// Objects are returned as raw text; an object that does not decode is the
// codec's to reject, not this call's.
func (c *Client) FetchAllEvents(ctx context.Context, calendarHandle string) ([]RemoteItem, error) {
	ms, err := c.doMultistatus(ctx, "REPORT", calendarHandle, "1", eventsQuery)
	if err != nil {
		return nil, classify("query calendar", err)
	}

	out := make([]RemoteItem, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		prop, ok := resp.props()
		if !ok {
			appLog.Debug("caldav object skipped", "href", resp.Href, "status", resp.Status)
			continue
		}
		item := RemoteItem{Href: hrefPath(resp.Href), ETag: prop.ETag}
		if prop.CalendarData != nil {
			item.Data = normalizeICS(*prop.CalendarData)
		} else {
			item.Data, err = c.get(ctx, item.Href)
			if err != nil {
				if IsAuth(err) {
					return nil, classify("get event", err)
				}
				// Kept with empty data; the codec counts it as unprocessed.
				appLog.Warn("caldav object could not be fetched", "href", item.Href, "error", err)
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// CreateEvent stores text as <calendar>/<uid>.ics. It never overwrites an
// existing object.
func (c *Client) CreateEvent(ctx context.Context, calendarHandle, uid, text string) (RemoteHandle, error) {
	href := path.Join(calendarHandle, url.PathEscape(uid)+".ics")
	return c.put(ctx, "create event", href, text, func(h http.Header) {
		h.Set("If-None-Match", "*")
	})
}

// UpdateEvent replaces the object, conditional on its etag when one is known.
func (c *Client) UpdateEvent(ctx context.Context, _ string, h RemoteHandle, text string) (RemoteHandle, error) {
	if h.Href == "" {
		return RemoteHandle{}, &TransportError{Op: "update event", Err: errors.New("missing href")}
	}
	return c.put(ctx, "update event", h.Href, text, func(hdr http.Header) {
		if h.ETag != "" {
			hdr.Set("If-Match", h.ETag)
		}
	})
}

// DeleteEvent removes the object. A missing object counts as deleted.
func (c *Client) DeleteEvent(ctx context.Context, _ string, h RemoteHandle) error {
	if h.Href == "" {
		return &TransportError{Op: "delete event", Err: errors.New("missing href")}
	}
	if err := c.dav.RemoveAll(ctx, h.Href); err != nil {
		return classify("delete event", err)
	}
	return nil
}

// put sends text byte for byte.
func (c *Client) put(ctx context.Context, op, href, text string, conditions func(http.Header)) (RemoteHandle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(href), strings.NewReader(text))
	if err != nil {
		return RemoteHandle{}, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	conditions(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return RemoteHandle{}, classify(op, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return RemoteHandle{}, &TransportError{Op: op, Err: ErrPreconditionFailed}
	case resp.StatusCode/100 != 2:
		return RemoteHandle{}, &TransportError{Op: op, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return RemoteHandle{Href: href, ETag: resp.Header.Get("ETag")}, nil
}

func (c *Client) get(ctx context.Context, href string) (string, error) {
	body, err := c.dav.Open(ctx, href)
	if err != nil {
		return "", err
	}
	defer body.Close()
	raw, err := io.ReadAll(io.LimitReader(body, maxObjectSize))
	if err != nil {
		return "", err
	}
	return normalizeICS(string(raw)), nil
}

// resolve turns a server path into an absolute URL on the endpoint's host.
// Relative paths are taken under the endpoint path.
func (c *Client) resolve(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.base.Path, p)
	}
	u := url.URL{Scheme: c.base.Scheme, Host: c.base.Host, Path: p}
	return u.String()
}

func supportsEvents(set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, comp := range set {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// statusTransport turns 401/403 into *AuthError and treats 404 on DELETE as
// success.
type statusTransport struct {
	next http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, &AuthError{Status: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	case req.Method == http.MethodDelete && resp.StatusCode == http.StatusNotFound:
		resp.StatusCode = http.StatusNoContent
		resp.Status = "204 No Content"
	}
	return resp, nil
}
