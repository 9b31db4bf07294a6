package caldav

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const (
	principalPath = "/dav/principals/alice/"
	homePath      = "/dav/calendars/alice/"
	workPath      = "/dav/calendars/alice/work/"
	sharedPath    = "/dav/calendars/alice/shared/"
	tasksPath     = "/dav/calendars/alice/tasks/"
)

const validEvent = "BEGIN:VCALENDAR\r\n" +
	"PRODID:-//Example//Server//EN\r\n" +
	"VERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART:20240108T090000Z\r\n" +
	"DTEND:20240108T093000Z\r\n" +
	"SUMMARY:Standup\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const brokenEvent = "BEGIN:VCALENDAR\r\nthis line has no colon\r\nEND:VCALENDAR\r\n"

// putRecord is one PUT the server saw.
type putRecord struct {
	Path        string
	Body        string
	IfMatch     string
	IfNoneMatch string
}

// davServer is a small scripted CalDAV account for client tests.
type davServer struct {
	*httptest.Server

	mu      sync.Mutex
	objects map[string]string // path -> raw text
	etags   map[string]string
	seq     int
	puts    []putRecord

	// noData lists objects the REPORT answers without calendar-data.
	noData map[string]bool
}

func newDAVServer(t *testing.T) *davServer {
	t.Helper()
	s := &davServer{
		objects: map[string]string{},
		etags:   map[string]string{},
		noData:  map[string]bool{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *davServer) store(p, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.objects[p] = text
	s.etags[p] = fmt.Sprintf(`"v%d"`, s.seq)
	return s.etags[p]
}

// omitData makes the REPORT answer p with its etag only.
func (s *davServer) omitData(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noData[p] = true
}

func (s *davServer) object(p string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[p]
}

func (s *davServer) recordedPuts() []putRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]putRecord(nil), s.puts...)
}

func (s *davServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	switch r.Method {
	case "PROPFIND":
		s.propfind(w, r, string(body))
	case "REPORT":
		s.report(w, r)
	case http.MethodGet:
		s.mu.Lock()
		text, ok := s.objects[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = io.WriteString(w, text)
	case http.MethodPut:
		s.put(w, r, string(body))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *davServer) propfind(w http.ResponseWriter, r *http.Request, body string) {
	var responses string
	switch {
	case strings.Contains(body, "current-user-principal"):
		responses = response(r.URL.Path, `<d:current-user-principal><d:href>`+principalPath+`</d:href></d:current-user-principal>`)
	case strings.Contains(body, "calendar-home-set"):
		responses = response(principalPath, `<c:calendar-home-set><d:href>`+homePath+`</d:href></c:calendar-home-set>`)
	case strings.Contains(body, "getctag"):
		responses = response(homePath, `<d:resourcetype><d:collection/></d:resourcetype>`) +
			response(workPath,
				`<d:resourcetype><d:collection/><c:calendar/></d:resourcetype>`+
					`<d:displayname>Work</d:displayname>`+
					`<c:supported-calendar-component-set><c:comp name="VEVENT"/></c:supported-calendar-component-set>`+
					`<cs:getctag>ctag-42</cs:getctag>`+
					`<ic:calendar-color>#FF8800FF</ic:calendar-color>`+
					`<d:current-user-privilege-set><d:privilege><d:read/></d:privilege><d:privilege><d:write/></d:privilege></d:current-user-privilege-set>`,
				`<d:sync-token/>`) +
			response(sharedPath,
				`<d:resourcetype><d:collection/><c:calendar/></d:resourcetype>`+
					`<d:displayname>Shared</d:displayname>`+
					`<d:sync-token>http://example.com/sync/7</d:sync-token>`+
					`<d:current-user-privilege-set><d:privilege><d:read/></d:privilege></d:current-user-privilege-set>`) +
			response(tasksPath,
				`<d:resourcetype><d:collection/><c:calendar/></d:resourcetype>`+
					`<c:supported-calendar-component-set><c:comp name="VTODO"/></c:supported-calendar-component-set>`)
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeMultistatus(w, responses)
}

func (s *davServer) report(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var responses string
	for p, text := range s.objects {
		if !strings.HasPrefix(p, r.URL.Path) {
			continue
		}
		props := `<d:getetag>` + s.etags[p] + `</d:getetag>`
		if !s.noData[p] {
			props += `<c:calendar-data>` + xmlEscape(text) + `</c:calendar-data>`
		}
		responses += response(p, props)
	}
	writeMultistatus(w, responses)
}

func (s *davServer) put(w http.ResponseWriter, r *http.Request, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, putRecord{
		Path:        r.URL.Path,
		Body:        body,
		IfMatch:     r.Header.Get("If-Match"),
		IfNoneMatch: r.Header.Get("If-None-Match"),
	})

	current, exists := s.etags[r.URL.Path]
	if r.Header.Get("If-None-Match") == "*" && exists {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	if m := r.Header.Get("If-Match"); m != "" && m != current {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	s.seq++
	s.objects[r.URL.Path] = body
	s.etags[r.URL.Path] = fmt.Sprintf(`"v%d"`, s.seq)
	w.Header().Set("ETag", s.etags[r.URL.Path])
	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// response renders one DAV response; notFound props go in a 404 propstat.
func response(href, found string, notFound ...string) string {
	out := `<d:response><d:href>` + href + `</d:href>` +
		`<d:propstat><d:prop>` + found + `</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat>`
	if len(notFound) > 0 {
		out += `<d:propstat><d:prop>` + strings.Join(notFound, "") + `</d:prop><d:status>HTTP/1.1 404 Not Found</d:status></d:propstat>`
	}
	return out + `</d:response>`
}

func writeMultistatus(w http.ResponseWriter, responses string) {
	w.Header().Set("Content-Type", `application/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">`+
		responses+`</d:multistatus>`)
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
