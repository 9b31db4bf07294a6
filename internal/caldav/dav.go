package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// collectionsPropfind asks a calendar home for everything discovery needs in
// one round trip.
const collectionsPropfind = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/" xmlns:ic="http://apple.com/ns/ical/">
  <d:prop>
    <d:resourcetype/>
    <d:displayname/>
    <c:calendar-description/>
    <c:supported-calendar-component-set/>
    <cs:getctag/>
    <d:sync-token/>
    <ic:calendar-color/>
    <d:current-user-privilege-set/>
  </d:prop>
</d:propfind>`

// eventsQuery is a calendar-query REPORT for every VEVENT object.
const eventsQuery = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT"/>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href      string        `xml:"DAV: href"`
	Status    string        `xml:"DAV: status"`
	PropStats []davPropStat `xml:"DAV: propstat"`
}

type davPropStat struct {
	Prop   davProp `xml:"DAV: prop"`
	Status string  `xml:"DAV: status"`
}

// davProp holds the properties calmirror reads. calendar-data stays text so
// one malformed object never fails the whole response.
type davProp struct {
	ResourceType *resourceType `xml:"DAV: resourcetype"`
	DisplayName  string        `xml:"DAV: displayname"`
	ETag         string        `xml:"DAV: getetag"`
	SyncToken    string        `xml:"DAV: sync-token"`
	Privileges   *privilegeSet `xml:"DAV: current-user-privilege-set"`
	CTag         string        `xml:"http://calendarserver.org/ns/ getctag"`
	Color        string        `xml:"http://apple.com/ns/ical/ calendar-color"`
	Description  string        `xml:"urn:ietf:params:xml:ns:caldav calendar-description"`
	Components   *compSet      `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`
	CalendarData *string       `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
	Calendar   *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
}

type compSet struct {
	Comps []struct {
		Name string `xml:"name,attr"`
	} `xml:"urn:ietf:params:xml:ns:caldav comp"`
}

type privilegeSet struct {
	Privileges []struct {
		All          *struct{} `xml:"DAV: all"`
		Write        *struct{} `xml:"DAV: write"`
		WriteContent *struct{} `xml:"DAV: write-content"`
	} `xml:"DAV: privilege"`
}

func (p *privilegeSet) canWrite() bool {
	for _, priv := range p.Privileges {
		if priv.All != nil || priv.Write != nil || priv.WriteContent != nil {
			return true
		}
	}
	return false
}

// okStatus reports whether a DAV status line ("HTTP/1.1 200 OK") is 2xx. An
// absent status counts as success.
func okStatus(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return true
	}
	code, err := strconv.Atoi(fields[1])
	return err == nil && code/100 == 2
}

// props merges the properties of the successful propstats. Properties the
// server reports as 404 are left unset.
func (r davResponse) props() (davProp, bool) {
	if !okStatus(r.Status) {
		return davProp{}, false
	}
	var out davProp
	found := false
	for _, ps := range r.PropStats {
		if !okStatus(ps.Status) {
			continue
		}
		found = true
		p := ps.Prop
		if p.ResourceType != nil {
			out.ResourceType = p.ResourceType
		}
		if p.DisplayName != "" {
			out.DisplayName = p.DisplayName
		}
		if p.ETag != "" {
			out.ETag = p.ETag
		}
		if p.SyncToken != "" {
			out.SyncToken = p.SyncToken
		}
		if p.Privileges != nil {
			out.Privileges = p.Privileges
		}
		if p.CTag != "" {
			out.CTag = p.CTag
		}
		if p.Color != "" {
			out.Color = p.Color
		}
		if p.Description != "" {
			out.Description = p.Description
		}
		if p.Components != nil {
			out.Components = p.Components
		}
		if p.CalendarData != nil {
			out.CalendarData = p.CalendarData
		}
	}
	return out, found
}

// hrefPath reduces an href, absolute or not, to its decoded path.
func hrefPath(href string) string {
	href = strings.TrimSpace(href)
	u, err := url.Parse(href)
	if err != nil || u.Path == "" {
		return href
	}
	return u.Path
}

// doMultistatus sends an XML request and decodes the 207 response.
func (c *Client) doMultistatus(ctx context.Context, method, p, depth, body string) (*multistatus, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(p), strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `application/xml; charset="utf-8"`)
	req.Header.Set("Depth", depth)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %s: unexpected status %s", method, p, resp.Status)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("%s %s: decode multistatus: %w", method, p, err)
	}
	return &ms, nil
}

// normalizeICS restores CRLF line endings, which XML parsing folds to LF.
func normalizeICS(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n") + "\r\n"
}

// normalizeColor turns the #RRGGBBAA form some servers use into #RRGGBB.
func normalizeColor(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 9 && strings.HasPrefix(s, "#") {
		return s[:7]
	}
	return s
}
