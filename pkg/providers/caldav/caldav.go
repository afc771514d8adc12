package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

const defaultTimeout = 30 * time.Second

// Client implements providers.Client for CalDAV servers. Discovery,
// calendar queries and single-object reads go through go-webdav; change
// detection, conditional writes and MOVE are issued directly.
type Client struct {
	endpoint *url.URL
	http     webdav.HTTPClient // authenticated, no status handling
	dav      *caldav.Client
	logger   *slog.Logger
}

// NewClient creates a CalDAV client for the endpoint using an already
// authenticated HTTP client.
func NewClient(httpClient webdav.HTTPClient, endpoint string, logger *slog.Logger) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: scheme and host required", endpoint)
	}

	dav, err := caldav.NewClient(&statusClient{inner: httpClient}, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
	}

	return &Client{
		endpoint: u,
		http:     httpClient,
		dav:      dav,
		logger:   logger,
	}, nil
}

// Dial creates a client from resolved account credentials.
func Dial(creds *providers.Credentials, logger *slog.Logger) (*Client, error) {
	if creds.ServerURL == "" {
		return nil, errors.New("no server URL for account")
	}
	return NewClient(NewHTTPClient(creds, defaultTimeout), creds.ServerURL, logger)
}

// DiscoverPrincipal returns the current user principal
func (c *Client) DiscoverPrincipal(ctx context.Context) (string, error) {
	principal, err := c.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal: %w", err)
	}
	return principal, nil
}

// DiscoverCollectionRoot returns the calendar home set of the principal
func (c *Client) DiscoverCollectionRoot(ctx context.Context, principal string) (string, error) {
	homeSet, err := c.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home: %w", err)
	}
	return homeSet, nil
}

// ListCalendars returns the event calendars below the home set
func (c *Client) ListCalendars(ctx context.Context, root string) ([]providers.RemoteCalendar, error) {
	cals, err := c.dav.FindCalendars(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var out []providers.RemoteCalendar
	for _, cal := range cals {
		if !supportsEvents(cal.SupportedComponentSet) {
			continue
		}
		name := cal.Name
		if name == "" {
			name = "Calendar"
		}
		out = append(out, providers.RemoteCalendar{
			URL:         cal.Path,
			Name:        name,
			Description: cal.Description,
		})
	}
	return out, nil
}

func supportsEvents(comps []string) bool {
	if len(comps) == 0 {
		return true
	}
	for _, comp := range comps {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// GetCollectionTag returns the getctag and sync-token of a calendar
func (c *Client) GetCollectionTag(ctx context.Context, calendarURL string) (providers.CollectionState, error) {
	ms, err := c.multistatus(ctx, "PROPFIND", calendarURL, "0", collectionStateBody())
	if err != nil {
		return providers.CollectionState{}, fmt.Errorf("failed to read collection tag: %w", err)
	}

	var state providers.CollectionState
	for _, resp := range ms.Responses {
		p, ok := resp.okProp()
		if !ok {
			continue
		}
		state.CTag = p.GetCTag
		state.SyncToken = p.SyncToken
		break
	}
	return state, nil
}

// ChangeFeed issues an RFC 6578 sync-collection report
func (c *Client) ChangeFeed(ctx context.Context, calendarURL, token string) (*providers.ChangeSet, error) {
	req, err := c.newRequest(ctx, "REPORT", calendarURL, strings.NewReader(syncCollectionBody(token)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to request changes: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusConflict, http.StatusPreconditionFailed, http.StatusBadRequest:
		// valid-sync-token precondition, or servers that answer an
		// unknown token with a generic client error
		statusErr := responseError(resp)
		return nil, fmt.Errorf("%w: %v", providers.ErrSyncTokenInvalid, statusErr)
	case http.StatusNotImplemented, http.StatusMethodNotAllowed:
		return nil, providers.StatusError(resp.StatusCode, "sync-collection not supported")
	}
	if resp.StatusCode >= 400 {
		return nil, responseError(resp)
	}

	ms, err := decodeMultistatus(resp.Body)
	if err != nil {
		return nil, err
	}

	collection := normalizeHref(c.resolve(calendarURL).Path)
	changes := &providers.ChangeSet{NewToken: ms.SyncToken}
	for _, r := range ms.Responses {
		href := r.href()
		code := r.code()
		if strings.TrimSuffix(href, "/") == strings.TrimSuffix(collection, "/") {
			if code == http.StatusInsufficientStorage {
				changes.Truncated = true
			}
			continue
		}
		switch {
		case code == http.StatusNotFound:
			changes.Deleted = append(changes.Deleted, href)
		case code == 0 || code == http.StatusOK:
			p, _ := r.okProp()
			changes.Changed = append(changes.Changed, providers.ItemRef{URL: href, ETag: p.GetETag})
		}
	}
	return changes, nil
}

// ListItemsInRange returns the objects with an instance in [start, end).
func (c *Client) ListItemsInRange(ctx context.Context, calendarURL string, start, end time.Time) ([]providers.RemoteItem, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Props: []string{ical.PropVersion},
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
				AllComps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := c.dav.QueryCalendar(ctx, calendarURL, query)
	if err == nil {
		items := make([]providers.RemoteItem, 0, len(objects))
		for _, obj := range objects {
			items = append(items, providers.RemoteItem{URL: obj.Path, ETag: obj.ETag, Data: obj.Data})
		}
		return items, nil
	}

	var remote *providers.Error
	if errors.As(err, &remote) || ctx.Err() != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	// A single undecodable object fails the whole query; list ETags and
	// fetch bodies individually instead.
	c.logger.Warn("calendar query failed, falling back to multiget", "calendar", calendarURL, "error", err)
	etags, err := c.FetchETagsInRange(ctx, calendarURL, start, end)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(etags))
	for href := range etags {
		refs = append(refs, href)
	}
	return c.FetchItemsByRef(ctx, calendarURL, refs)
}

// FetchItem returns a single calendar object
func (c *Client) FetchItem(ctx context.Context, itemURL string) (*providers.RemoteItem, error) {
	obj, err := c.dav.GetCalendarObject(ctx, itemURL)
	if err != nil {
		var remote *providers.Error
		if !errors.As(err, &remote) && ctx.Err() == nil {
			return nil, fmt.Errorf("failed to fetch %s: %w: %v", itemURL, calendar.ErrInvalidObject, err)
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", itemURL, err)
	}
	return &providers.RemoteItem{URL: obj.Path, ETag: obj.ETag, Data: obj.Data}, nil
}

// FetchItemsByRef issues a calendar-multiget report. Items the server
// reports missing are omitted; bodies that fail to decode are returned
// with a nil Data.
func (c *Client) FetchItemsByRef(ctx context.Context, calendarURL string, refs []string) ([]providers.RemoteItem, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	ms, err := c.multistatus(ctx, "REPORT", calendarURL, "1", multigetBody(refs))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	var items []providers.RemoteItem
	for _, r := range ms.Responses {
		p, ok := r.okProp()
		if !ok || p.CalendarData == "" {
			continue
		}
		item := providers.RemoteItem{URL: r.href(), ETag: p.GetETag}
		data, err := ical.NewDecoder(strings.NewReader(p.CalendarData)).Decode()
		if err != nil {
			c.logger.Warn("undecodable calendar object", "url", item.URL, "error", err)
		} else {
			item.Data = data
		}
		items = append(items, item)
	}
	return items, nil
}

// FetchETagsInRange lists item ETags with a calendar-query report
func (c *Client) FetchETagsInRange(ctx context.Context, calendarURL string, start, end time.Time) (map[string]string, error) {
	ms, err := c.multistatus(ctx, "REPORT", calendarURL, "1", etagQueryBody(start, end))
	if err != nil {
		var remote *providers.Error
		if errors.As(err, &remote) && remote.Code == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %v", providers.ErrNotSupported, err)
		}
		return nil, fmt.Errorf("failed to list etags: %w", err)
	}

	etags := make(map[string]string, len(ms.Responses))
	for _, r := range ms.Responses {
		p, ok := r.okProp()
		if !ok {
			continue
		}
		etags[r.href()] = p.GetETag
	}
	return etags, nil
}

// CreateItem stores a new object as <calendar>/<name>.ics, failing with a
// conflict if it already exists.
func (c *Client) CreateItem(ctx context.Context, calendarURL, name string, data *ical.Calendar) (providers.ItemRef, error) {
	itemURL := strings.TrimSuffix(c.resolve(calendarURL).Path, "/") + "/" + name + ".ics"
	return c.put(ctx, itemURL, "If-None-Match", "*", data)
}

// UpdateItem replaces an object whose current ETag matches etag
func (c *Client) UpdateItem(ctx context.Context, itemURL, etag string, data *ical.Calendar) (providers.ItemRef, error) {
	if etag == "" {
		return providers.ItemRef{}, errors.New("update requires an etag")
	}
	return c.put(ctx, itemURL, "If-Match", etag, data)
}

func (c *Client) put(ctx context.Context, itemURL, condition, value string, data *ical.Calendar) (providers.ItemRef, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(data); err != nil {
		return providers.ItemRef{}, fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, itemURL, &buf)
	if err != nil {
		return providers.ItemRef{}, err
	}
	req.Header.Set("Content-Type", ical.MIMEType+"; charset=utf-8")
	req.Header.Set(condition, value)

	resp, err := c.http.Do(req)
	if err != nil {
		return providers.ItemRef{}, fmt.Errorf("failed to store event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return providers.ItemRef{}, responseError(resp)
	}

	path := c.resolve(itemURL).Path
	if loc := resp.Header.Get("Location"); loc != "" {
		path = normalizeHref(loc)
	}
	ref := providers.ItemRef{URL: path, ETag: resp.Header.Get("ETag")}
	if ref.ETag == "" {
		// Servers that rewrite the object omit the ETag.
		ref.ETag, err = c.fetchETag(ctx, path)
		if err != nil {
			c.logger.Warn("no etag after write", "url", path, "error", err)
		}
	}
	return ref, nil
}

// DeleteItem removes an object; an empty etag deletes unconditionally
func (c *Client) DeleteItem(ctx context.Context, itemURL, etag string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, itemURL, nil)
	if err != nil {
		return err
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	return nil
}

// MoveItem moves an object to destURL without overwriting
func (c *Client) MoveItem(ctx context.Context, itemURL, destURL string) (providers.ItemRef, error) {
	req, err := c.newRequest(ctx, "MOVE", itemURL, nil)
	if err != nil {
		return providers.ItemRef{}, err
	}
	req.Header.Set("Destination", c.resolve(destURL).String())
	req.Header.Set("Overwrite", "F")

	resp, err := c.http.Do(req)
	if err != nil {
		return providers.ItemRef{}, fmt.Errorf("failed to move event: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMethodNotAllowed, http.StatusNotImplemented, http.StatusBadGateway, http.StatusForbidden:
		// 502: destination on another server, 403: cross-collection moves refused
		return providers.ItemRef{}, &providers.Error{
			Kind:    providers.KindUnsupported,
			Code:    resp.StatusCode,
			Message: "server does not support MOVE for this item",
		}
	}
	if resp.StatusCode >= 400 {
		return providers.ItemRef{}, responseError(resp)
	}

	dest := c.resolve(destURL).Path
	etag, err := c.fetchETag(ctx, dest)
	if err != nil {
		c.logger.Warn("no etag after move", "url", dest, "error", err)
	}
	return providers.ItemRef{URL: dest, ETag: etag}, nil
}

func (c *Client) fetchETag(ctx context.Context, itemURL string) (string, error) {
	ms, err := c.multistatus(ctx, "PROPFIND", itemURL, "0", etagPropfindBody())
	if err != nil {
		return "", err
	}
	for _, r := range ms.Responses {
		if p, ok := r.okProp(); ok && p.GetETag != "" {
			return p.GetETag, nil
		}
	}
	return "", errors.New("etag not reported")
}

// multistatus sends a WebDAV request expecting a 207 response.
func (c *Client) multistatus(ctx context.Context, method, target, depth, body string) (*multistatus, error) {
	req, err := c.newRequest(ctx, method, target, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", depth)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, responseError(resp)
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, providers.StatusError(resp.StatusCode, "expected multistatus response")
	}
	return decodeMultistatus(resp.Body)
}

func decodeMultistatus(r io.Reader) (*multistatus, error) {
	var ms multistatus
	if err := xml.NewDecoder(r).Decode(&ms); err != nil {
		return nil, &providers.Error{Kind: providers.KindParse, Message: "malformed multistatus response", Err: err}
	}
	return &ms, nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(target).String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	return req, nil
}

// resolve maps an href or absolute URL onto the server endpoint.
func (c *Client) resolve(target string) *url.URL {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		if u, err := url.Parse(target); err == nil {
			return u
		}
	}
	return c.endpoint.ResolveReference(&url.URL{Path: target})
}

// Ensure Client implements providers.Client
var _ providers.Client = (*Client)(nil)
