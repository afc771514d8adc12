package caldav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djwarf/calsync/pkg/providers"
)

const eventBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\nBEGIN:VEVENT\r\nUID:a\r\nDTSTAMP:20250601T080000Z\r\nDTSTART:20250602T090000Z\r\nDTEND:20250602T100000Z\r\nSUMMARY:A\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.Client(), srv.URL+"/", nil)
	require.NoError(t, err)
	return c
}

func writeMultistatus(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	io.WriteString(w, `<?xml version="1.0" encoding="utf-8"?><d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/" xmlns:c="urn:ietf:params:xml:ns:caldav">`+body+`</d:multistatus>`)
}

func testEvent(t *testing.T) *ical.Calendar {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(eventBody)).Decode()
	require.NoError(t, err)
	return cal
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(nil, "not a url", nil)
	assert.Error(t, err)
}

func TestGetCollectionTag(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PROPFIND", r.Method)
		assert.Equal(t, "0", r.Header.Get("Depth"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "getctag")
		writeMultistatus(w, `<d:response><d:href>/cal/work/</d:href><d:propstat><d:prop>`+
			`<cs:getctag>ctag-7</cs:getctag><d:sync-token>http://example.com/sync/7</d:sync-token>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	})

	state, err := c.GetCollectionTag(context.Background(), "/cal/work/")
	require.NoError(t, err)
	assert.Equal(t, "ctag-7", state.CTag)
	assert.Equal(t, "http://example.com/sync/7", state.SyncToken)
}

func TestChangeFeed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "REPORT", r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<d:sync-token>tok-1</d:sync-token>")
		writeMultistatus(w, `<d:response><d:href>/cal/work/a.ics</d:href><d:propstat><d:prop>`+
			`<d:getetag>"e2"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`+
			`<d:response><d:href>/cal/work/b%20c.ics</d:href><d:status>HTTP/1.1 404 Not Found</d:status></d:response>`+
			`<d:response><d:href>/cal/work/</d:href><d:status>HTTP/1.1 507 Insufficient Storage</d:status></d:response>`+
			`<d:sync-token>tok-2</d:sync-token>`)
	})

	changes, err := c.ChangeFeed(context.Background(), "/cal/work/", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, []providers.ItemRef{{URL: "/cal/work/a.ics", ETag: `"e2"`}}, changes.Changed)
	assert.Equal(t, []string{"/cal/work/b c.ics"}, changes.Deleted)
	assert.Equal(t, "tok-2", changes.NewToken)
	assert.True(t, changes.Truncated)
}

func TestChangeFeed_InvalidToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`)
	})

	_, err := c.ChangeFeed(context.Background(), "/cal/work/", "stale")
	assert.ErrorIs(t, err, providers.ErrSyncTokenInvalid)
}

func TestFetchItemsByRef_OmitsMissingAndKeepsBadBodies(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "calendar-multiget")
		assert.Contains(t, string(body), "<d:href>/cal/work/a.ics</d:href>")
		writeMultistatus(w, `<d:response><d:href>/cal/work/a.ics</d:href><d:propstat><d:prop>`+
			`<d:getetag>"e1"</d:getetag><c:calendar-data>`+eventBody+`</c:calendar-data>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`+
			`<d:response><d:href>/cal/work/gone.ics</d:href><d:status>HTTP/1.1 404 Not Found</d:status></d:response>`+
			`<d:response><d:href>/cal/work/bad.ics</d:href><d:propstat><d:prop>`+
			`<d:getetag>"e3"</d:getetag><c:calendar-data>garbage</c:calendar-data>`+
			`</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	})

	items, err := c.FetchItemsByRef(context.Background(), "/cal/work/", []string{"/cal/work/a.ics", "/cal/work/gone.ics", "/cal/work/bad.ics"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "/cal/work/a.ics", items[0].URL)
	assert.Equal(t, `"e1"`, items[0].ETag)
	require.NotNil(t, items[0].Data)
	assert.Equal(t, "/cal/work/bad.ics", items[1].URL)
	assert.Nil(t, items[1].Data)
}

func TestFetchETagsInRange(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `start="20250101T000000Z"`)
		writeMultistatus(w, `<d:response><d:href>/cal/work/a.ics</d:href><d:propstat><d:prop>`+
			`<d:getetag>"e1"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
	})

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	etags, err := c.FetchETagsInRange(context.Background(), "/cal/work/", start, start.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/cal/work/a.ics": `"e1"`}, etags)
}

func TestCreateItem(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/cal/work/a.ics", r.URL.Path)
		assert.Equal(t, "*", r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"new"`)
		w.WriteHeader(http.StatusCreated)
	})

	ref, err := c.CreateItem(context.Background(), "/cal/work/", "a", testEvent(t))
	require.NoError(t, err)
	assert.Equal(t, providers.ItemRef{URL: "/cal/work/a.ics", ETag: `"new"`}, ref)
}

func TestCreateItem_Exists(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	})

	_, err := c.CreateItem(context.Background(), "/cal/work/", "a", testEvent(t))
	assert.ErrorIs(t, err, providers.ErrConflict)
}

func TestUpdateItem_FetchesMissingETag(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			assert.Equal(t, `"old"`, r.Header.Get("If-Match"))
			w.WriteHeader(http.StatusNoContent)
		case "PROPFIND":
			writeMultistatus(w, `<d:response><d:href>/cal/work/a.ics</d:href><d:propstat><d:prop>`+
				`<d:getetag>"rewritten"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
		}
	})

	ref, err := c.UpdateItem(context.Background(), "/cal/work/a.ics", `"old"`, testEvent(t))
	require.NoError(t, err)
	assert.Equal(t, `"rewritten"`, ref.ETag)

	_, err = c.UpdateItem(context.Background(), "/cal/work/a.ics", "", testEvent(t))
	assert.Error(t, err)
}

func TestDeleteItem(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if r.URL.Path == "/cal/work/gone.ics" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, `"e1"`, r.Header.Get("If-Match"))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.DeleteItem(context.Background(), "/cal/work/a.ics", `"e1"`))
	assert.ErrorIs(t, c.DeleteItem(context.Background(), "/cal/work/gone.ics", ""), providers.ErrNotFound)
}

func TestMoveItem(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "MOVE":
			assert.True(t, strings.HasSuffix(r.Header.Get("Destination"), "/cal/home/a.ics"))
			assert.Equal(t, "F", r.Header.Get("Overwrite"))
			w.WriteHeader(http.StatusCreated)
		case "PROPFIND":
			writeMultistatus(w, `<d:response><d:href>/cal/home/a.ics</d:href><d:propstat><d:prop>`+
				`<d:getetag>"moved"</d:getetag></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
		}
	})

	ref, err := c.MoveItem(context.Background(), "/cal/work/a.ics", "/cal/home/a.ics")
	require.NoError(t, err)
	assert.Equal(t, providers.ItemRef{URL: "/cal/home/a.ics", ETag: `"moved"`}, ref)
}

func TestMoveItem_NotSupported(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	_, err := c.MoveItem(context.Background(), "/cal/work/a.ics", "/cal/home/a.ics")
	assert.ErrorIs(t, err, providers.ErrNotSupported)
}

func TestFetchItem_Unauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.FetchItem(context.Background(), "/cal/work/a.ics")
	assert.ErrorIs(t, err, providers.ErrUnauthorized)
	assert.True(t, providers.IsAuth(err))
	assert.False(t, providers.IsRetryable(err))
}

func TestServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.GetCollectionTag(context.Background(), "/cal/work/")
	require.Error(t, err)
	assert.True(t, providers.IsRetryable(err))
	assert.Equal(t, http.StatusServiceUnavailable, providers.Classify(err).Code)
}
