package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/require"

	"github.com/djwarf/calsync/internal/notify"
	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

// fakeItem is one stored resource. Bodies are kept serialized so every
// read goes through the iCalendar decoder like a real response would.
type fakeItem struct {
	etag string
	body string
}

type fakeChange struct {
	url     string
	deleted bool
}

type fakeCollection struct {
	url   string
	name  string
	items map[string]*fakeItem
	log   []fakeChange
}

func (c *fakeCollection) ctag() string  { return fmt.Sprintf("ctag-%d", len(c.log)) }
func (c *fakeCollection) token() string { return fmt.Sprintf("tok-%d", len(c.log)) }

// fakeClient is an in-memory CalDAV server implementing providers.Client.
type fakeClient struct {
	mu gosync.Mutex

	collections map[string]*fakeCollection
	nextETag    int
	calls       []string

	// queued errors are returned by the next calls of a method, one per
	// call; a nil entry lets that call through.
	queued map[string][]error
	// always fails every call of a method.
	always map[string]error

	supportsMove bool
	rejectTokens bool
	// pageSize truncates change feed answers when set.
	pageSize int
	// hidden items are omitted from multiget and answer 404 to a GET.
	hidden map[string]bool
}

func newFakeClient(calendarURLs ...string) *fakeClient {
	c := &fakeClient{
		collections: make(map[string]*fakeCollection),
		queued:      make(map[string][]error),
		always:      make(map[string]error),
		hidden:      make(map[string]bool),
	}
	for _, url := range calendarURLs {
		c.addCollection(url, strings.Trim(filepath.Base(url), "/"))
	}
	return c
}

func (c *fakeClient) addCollection(url, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections[url] = &fakeCollection{url: url, name: name, items: make(map[string]*fakeItem)}
}

func (c *fakeClient) failNext(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued[method] = append(c.queued[method], errs...)
}

func (c *fakeClient) failAlways(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.always, method)
		return
	}
	c.always[method] = err
}

func (c *fakeClient) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == method {
			n++
		}
	}
	return n
}

// enter records a call and returns an injected failure. Callers hold mu.
func (c *fakeClient) enter(method string) error {
	c.calls = append(c.calls, method)
	if err := c.always[method]; err != nil {
		return err
	}
	if q := c.queued[method]; len(q) > 0 {
		c.queued[method] = q[1:]
		return q[0]
	}
	return nil
}

func (c *fakeClient) etag() string {
	c.nextETag++
	return fmt.Sprintf(`"e%d"`, c.nextETag)
}

func (c *fakeClient) collectionOf(itemURL string) *fakeCollection {
	for url, col := range c.collections {
		if strings.HasPrefix(itemURL, url) {
			return col
		}
	}
	return nil
}

func (c *fakeClient) store(col *fakeCollection, url, body string) *fakeItem {
	item := &fakeItem{etag: c.etag(), body: body}
	col.items[url] = item
	col.log = append(col.log, fakeChange{url: url})
	return item
}

func (c *fakeClient) remove(col *fakeCollection, url string) {
	delete(col.items, url)
	col.log = append(col.log, fakeChange{url: url, deleted: true})
}

// put stores ev and its exceptions as a server-side change and returns the
// item URL.
func (c *fakeClient) put(calURL string, ev *calendar.Event, exceptions ...*calendar.Event) string {
	body := encodeBody(calendar.EncodeObject(ev, exceptions))
	return c.putRaw(calURL, ev.UID+".ics", body)
}

func (c *fakeClient) putRaw(calURL, name, body string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	col := c.collections[calURL]
	url := strings.TrimSuffix(calURL, "/") + "/" + name
	c.store(col, url, body)
	return url
}

func (c *fakeClient) drop(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(c.collectionOf(url), url)
}

func (c *fakeClient) has(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	col := c.collectionOf(url)
	return col != nil && col.items[url] != nil
}

func (c *fakeClient) currentETag(url string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectionOf(url).items[url].etag
}

// serverEvents parses the resource stored at url.
func (c *fakeClient) serverEvents(t *testing.T, url string) []*calendar.Event {
	t.Helper()
	c.mu.Lock()
	item := c.collectionOf(url).items[url]
	c.mu.Unlock()
	require.NotNil(t, item, "no item at %s", url)
	data, err := decodeBody(item.body)
	require.NoError(t, err)
	events, err := calendar.ParseObject(data)
	require.NoError(t, err)
	return events
}

// serverEvent parses the master stored at url.
func (c *fakeClient) serverEvent(t *testing.T, url string) *calendar.Event {
	t.Helper()
	master, _ := splitObject(c.serverEvents(t, url), "")
	require.NotNil(t, master)
	return master
}

func encodeBody(data *ical.Calendar) string {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(data); err != nil {
		panic(err)
	}
	return buf.String()
}

func decodeBody(body string) (*ical.Calendar, error) {
	return ical.NewDecoder(strings.NewReader(body)).Decode()
}

func (c *fakeClient) remoteItem(url string, item *fakeItem) providers.RemoteItem {
	out := providers.RemoteItem{URL: url, ETag: item.etag}
	if data, err := decodeBody(item.body); err == nil {
		out.Data = data
	}
	return out
}

func (c *fakeClient) DiscoverPrincipal(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DiscoverPrincipal"); err != nil {
		return "", err
	}
	return "/principals/user/", nil
}

func (c *fakeClient) DiscoverCollectionRoot(ctx context.Context, principal string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DiscoverCollectionRoot"); err != nil {
		return "", err
	}
	return "/cal/", nil
}

func (c *fakeClient) ListCalendars(ctx context.Context, root string) ([]providers.RemoteCalendar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ListCalendars"); err != nil {
		return nil, err
	}
	var out []providers.RemoteCalendar
	for url, col := range c.collections {
		out = append(out, providers.RemoteCalendar{URL: url, Name: col.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (c *fakeClient) GetCollectionTag(ctx context.Context, calendarURL string) (providers.CollectionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetCollectionTag"); err != nil {
		return providers.CollectionState{}, err
	}
	col := c.collections[calendarURL]
	if col == nil {
		return providers.CollectionState{}, providers.StatusError(http.StatusNotFound, "")
	}
	return providers.CollectionState{CTag: col.ctag(), SyncToken: col.token()}, nil
}

func (c *fakeClient) ChangeFeed(ctx context.Context, calendarURL, token string) (*providers.ChangeSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ChangeFeed"); err != nil {
		return nil, err
	}
	col := c.collections[calendarURL]
	from, err := strconv.Atoi(strings.TrimPrefix(token, "tok-"))
	if c.rejectTokens || err != nil || from > len(col.log) {
		return nil, fmt.Errorf("%w: %s", providers.ErrSyncTokenInvalid, token)
	}

	to := len(col.log)
	truncated := false
	if c.pageSize > 0 && to-from > c.pageSize {
		to = from + c.pageSize
		truncated = true
	}

	latest := make(map[string]bool)
	var order []string
	for _, ch := range col.log[from:to] {
		if _, ok := latest[ch.url]; !ok {
			order = append(order, ch.url)
		}
		latest[ch.url] = ch.deleted
	}

	cs := &providers.ChangeSet{NewToken: fmt.Sprintf("tok-%d", to), Truncated: truncated}
	for _, url := range order {
		item := col.items[url]
		if latest[url] || item == nil {
			cs.Deleted = append(cs.Deleted, url)
			continue
		}
		cs.Changed = append(cs.Changed, providers.ItemRef{URL: url, ETag: item.etag})
	}
	return cs, nil
}

func (c *fakeClient) ListItemsInRange(ctx context.Context, calendarURL string, start, end time.Time) ([]providers.RemoteItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ListItemsInRange"); err != nil {
		return nil, err
	}
	var out []providers.RemoteItem
	for url, item := range c.collections[calendarURL].items {
		out = append(out, c.remoteItem(url, item))
	}
	return out, nil
}

func (c *fakeClient) FetchItem(ctx context.Context, itemURL string) (*providers.RemoteItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("FetchItem"); err != nil {
		return nil, err
	}
	col := c.collectionOf(itemURL)
	if col == nil || col.items[itemURL] == nil || c.hidden[itemURL] {
		return nil, providers.StatusError(http.StatusNotFound, "")
	}
	item := c.remoteItem(itemURL, col.items[itemURL])
	if item.Data == nil {
		return nil, fmt.Errorf("%w: %s", calendar.ErrInvalidObject, itemURL)
	}
	return &item, nil
}

func (c *fakeClient) FetchItemsByRef(ctx context.Context, calendarURL string, refs []string) ([]providers.RemoteItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("FetchItemsByRef"); err != nil {
		return nil, err
	}
	col := c.collections[calendarURL]
	var out []providers.RemoteItem
	for _, url := range refs {
		if item := col.items[url]; item != nil && !c.hidden[url] {
			out = append(out, c.remoteItem(url, item))
		}
	}
	return out, nil
}

func (c *fakeClient) FetchETagsInRange(ctx context.Context, calendarURL string, start, end time.Time) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("FetchETagsInRange"); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for url, item := range c.collections[calendarURL].items {
		out[url] = item.etag
	}
	return out, nil
}

func (c *fakeClient) CreateItem(ctx context.Context, calendarURL, name string, data *ical.Calendar) (providers.ItemRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CreateItem"); err != nil {
		return providers.ItemRef{}, err
	}
	col := c.collections[calendarURL]
	url := strings.TrimSuffix(calendarURL, "/") + "/" + name + ".ics"
	if col.items[url] != nil {
		return providers.ItemRef{}, providers.StatusError(http.StatusPreconditionFailed, "")
	}
	item := c.store(col, url, encodeBody(data))
	return providers.ItemRef{URL: url, ETag: item.etag}, nil
}

func (c *fakeClient) UpdateItem(ctx context.Context, itemURL, etag string, data *ical.Calendar) (providers.ItemRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("UpdateItem"); err != nil {
		return providers.ItemRef{}, err
	}
	col := c.collectionOf(itemURL)
	if col == nil || col.items[itemURL] == nil {
		return providers.ItemRef{}, providers.StatusError(http.StatusNotFound, "")
	}
	if col.items[itemURL].etag != etag {
		return providers.ItemRef{}, providers.StatusError(http.StatusPreconditionFailed, "")
	}
	item := c.store(col, itemURL, encodeBody(data))
	return providers.ItemRef{URL: itemURL, ETag: item.etag}, nil
}

func (c *fakeClient) DeleteItem(ctx context.Context, itemURL, etag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteItem"); err != nil {
		return err
	}
	col := c.collectionOf(itemURL)
	if col == nil || col.items[itemURL] == nil {
		return providers.StatusError(http.StatusNotFound, "")
	}
	if etag != "" && col.items[itemURL].etag != etag {
		return providers.StatusError(http.StatusPreconditionFailed, "")
	}
	c.remove(col, itemURL)
	return nil
}

func (c *fakeClient) MoveItem(ctx context.Context, itemURL, destURL string) (providers.ItemRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("MoveItem"); err != nil {
		return providers.ItemRef{}, err
	}
	if !c.supportsMove {
		return providers.ItemRef{}, providers.StatusError(http.StatusMethodNotAllowed, "")
	}
	src, dst := c.collectionOf(itemURL), c.collectionOf(destURL)
	if src == nil || src.items[itemURL] == nil {
		return providers.ItemRef{}, providers.StatusError(http.StatusNotFound, "")
	}
	if dst.items[destURL] != nil {
		return providers.ItemRef{}, providers.StatusError(http.StatusPreconditionFailed, "")
	}
	body := src.items[itemURL].body
	c.remove(src, itemURL)
	item := c.store(dst, destURL, body)
	return providers.ItemRef{URL: destURL, ETag: item.etag}, nil
}

var _ providers.Client = (*fakeClient)(nil)

// recordingNotifier keeps what the engine reported.
type recordingNotifier struct {
	mu          gosync.Mutex
	abandoned   []notify.Abandonment
	authFailure []int64
}

func (n *recordingNotifier) Abandoned(ctx context.Context, items []notify.Abandonment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.abandoned = append(n.abandoned, items...)
}

func (n *recordingNotifier) AuthFailed(ctx context.Context, accountID int64, accountName string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.authFailure = append(n.authFailure, accountID)
}

const (
	workURL = "/cal/work/"
	homeURL = "/cal/home/"
)

// harness wires a real store in a temp dir to a fake server.
type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *calendar.Store
	client   *fakeClient
	notifier *recordingNotifier
	account  *calendar.Account
	work     *calendar.Calendar
	home     *calendar.Calendar
	now      time.Time
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := calendar.NewStore(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		client:   newFakeClient(workURL, homeURL),
		notifier: &recordingNotifier{},
		now:      time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC),
	}
	h.opts = Options{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Notifier:        h.notifier,
		FetchRetryDelay: -1,
		Now:             func() time.Time { return h.now },
	}

	h.account = &calendar.Account{
		Name:       "Work",
		Type:       calendar.AccountTypeCalDAV,
		Enabled:    true,
		ServerURL:  "https://dav.example.com",
		HomeSetURL: "/cal/",
	}
	require.NoError(t, store.SaveAccount(h.ctx, h.account))
	h.work = &calendar.Calendar{AccountID: h.account.ID, URL: workURL, Name: "work", Visible: true}
	require.NoError(t, store.SaveCalendar(h.ctx, h.work))
	h.home = &calendar.Calendar{AccountID: h.account.ID, URL: homeURL, Name: "home", Visible: true}
	require.NoError(t, store.SaveCalendar(h.ctx, h.home))
	return h
}

// at returns an instant on the day after the harness clock.
func at(hour int) time.Time {
	return time.Date(2025, time.June, 2, hour, 0, 0, 0, time.UTC)
}

func serverEvent(uid, title string, hour int) *calendar.Event {
	stamp := time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC)
	return &calendar.Event{
		UID:      uid,
		Title:    title,
		Start:    at(hour),
		End:      at(hour).Add(time.Hour),
		Status:   calendar.StatusConfirmed,
		Modified: stamp,
		DTStamp:  stamp,
	}
}

func (h *harness) calendar(id int64) *calendar.Calendar {
	h.t.Helper()
	cal, err := h.store.GetCalendar(h.ctx, id)
	require.NoError(h.t, err)
	return cal
}

func (h *harness) pull(cal *calendar.Calendar, forceFull bool) *PullResult {
	h.t.Helper()
	return NewPuller(h.store, h.opts).Pull(h.ctx, h.calendar(cal.ID), forceFull, h.client)
}

func (h *harness) push(cal *calendar.Calendar) *PushResult {
	h.t.Helper()
	return NewPusher(h.store, h.opts).PushForCalendar(h.ctx, h.calendar(cal.ID), h.client)
}

func (h *harness) outbox() *Outbox {
	return NewOutbox(h.store, h.opts)
}

func (h *harness) event(cal *calendar.Calendar, uid string) *calendar.Event {
	h.t.Helper()
	ev, err := h.store.FindEventByUID(h.ctx, cal.ID, uid)
	require.NoError(h.t, err)
	return ev
}

func (h *harness) operation(eventID int64) *calendar.PendingOperation {
	h.t.Helper()
	op, err := h.store.GetOperationForEvent(h.ctx, eventID)
	require.NoError(h.t, err)
	return op
}

// seed stores events on the server and pulls them into cal.
func (h *harness) seed(cal *calendar.Calendar, events ...*calendar.Event) {
	h.t.Helper()
	for _, ev := range events {
		h.client.put(cal.URL, ev)
	}
	res := h.pull(cal, false)
	require.NoError(h.t, res.Err)
	require.Equal(h.t, PullSuccess, res.Status)
}

// edit changes an event locally through the outbox.
func (h *harness) edit(ev *calendar.Event, change func(*calendar.Event)) {
	h.t.Helper()
	change(ev)
	require.NoError(h.t, h.outbox().Update(h.ctx, ev))
}

func statusErr(code int) error {
	return providers.StatusError(code, "")
}
