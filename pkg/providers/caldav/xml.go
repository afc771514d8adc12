package caldav

import (
	"bytes"
	"encoding/xml"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
	nsCS     = "http://calendarserver.org/ns/"
)

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
	SyncToken string     `xml:"DAV: sync-token"`
}

type response struct {
	Hrefs     []string   `xml:"DAV: href"`
	Status    string     `xml:"DAV: status"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	GetETag      string `xml:"DAV: getetag"`
	GetCTag      string `xml:"http://calendarserver.org/ns/ getctag"`
	SyncToken    string `xml:"DAV: sync-token"`
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

// href returns the first href as an unescaped path.
func (r *response) href() string {
	if len(r.Hrefs) == 0 {
		return ""
	}
	return normalizeHref(r.Hrefs[0])
}

// code returns the response-level status, or the first propstat status.
func (r *response) code() int {
	if r.Status != "" {
		return statusCode(r.Status)
	}
	if len(r.Propstats) > 0 {
		return statusCode(r.Propstats[0].Status)
	}
	return 0
}

// okProp merges the properties of every 200 propstat.
func (r *response) okProp() (prop, bool) {
	var out prop
	found := false
	for _, ps := range r.Propstats {
		if statusCode(ps.Status) != 200 {
			continue
		}
		found = true
		if ps.Prop.GetETag != "" {
			out.GetETag = ps.Prop.GetETag
		}
		if ps.Prop.GetCTag != "" {
			out.GetCTag = ps.Prop.GetCTag
		}
		if ps.Prop.SyncToken != "" {
			out.SyncToken = ps.Prop.SyncToken
		}
		if ps.Prop.CalendarData != "" {
			out.CalendarData = ps.Prop.CalendarData
		}
	}
	return out, found
}

// statusCode parses "HTTP/1.1 404 Not Found".
func statusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

func normalizeHref(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return u.Path
}

func escapedPath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

func collectionStateBody() string {
	return xmlHeader + `<d:propfind xmlns:d="DAV:" xmlns:cs="` + nsCS + `">` +
		`<d:prop><cs:getctag/><d:sync-token/></d:prop></d:propfind>`
}

func etagPropfindBody() string {
	return xmlHeader + `<d:propfind xmlns:d="DAV:"><d:prop><d:getetag/></d:prop></d:propfind>`
}

func syncCollectionBody(token string) string {
	return xmlHeader + `<d:sync-collection xmlns:d="DAV:">` +
		`<d:sync-token>` + xmlEscape(token) + `</d:sync-token>` +
		`<d:sync-level>1</d:sync-level>` +
		`<d:prop><d:getetag/></d:prop></d:sync-collection>`
}

func etagQueryBody(start, end time.Time) string {
	return xmlHeader + `<c:calendar-query xmlns:d="DAV:" xmlns:c="` + nsCalDAV + `">` +
		`<d:prop><d:getetag/></d:prop>` +
		`<c:filter><c:comp-filter name="VCALENDAR"><c:comp-filter name="VEVENT">` +
		`<c:time-range start="` + formatUTC(start) + `" end="` + formatUTC(end) + `"/>` +
		`</c:comp-filter></c:comp-filter></c:filter></c:calendar-query>`
}

func multigetBody(hrefs []string) string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<c:calendar-multiget xmlns:d="DAV:" xmlns:c="` + nsCalDAV + `">`)
	b.WriteString(`<d:prop><d:getetag/><c:calendar-data/></d:prop>`)
	for _, h := range hrefs {
		b.WriteString(`<d:href>` + xmlEscape(escapedPath(h)) + `</d:href>`)
	}
	b.WriteString(`</c:calendar-multiget>`)
	return b.String()
}

func formatUTC(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}
