package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyService = "org.freedesktop.Notifications"
	notifyPath    = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod  = notifyService + ".Notify"
)

// Desktop shows signals through the freedesktop notification service on
// the session bus. The bus is dialed on first use.
type Desktop struct {
	AppName string
	Logger  *slog.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewDesktop returns a desktop notifier.
func NewDesktop(logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{AppName: "calsync", Logger: logger}
}

func (d *Desktop) Abandoned(ctx context.Context, items []Abandonment) {
	title, body := Summary(items)
	if title == "" {
		return
	}
	d.send(ctx, title, body)
}

func (d *Desktop) AuthFailed(ctx context.Context, _ int64, accountName string, err error) {
	d.send(ctx, "Sign-in required", fmt.Sprintf("%s: %v", accountName, err))
}

func (d *Desktop) send(ctx context.Context, summary, body string) {
	conn, err := d.session()
	if err != nil {
		d.Logger.Debug("desktop notifications unavailable", "error", err)
		return
	}

	call := conn.Object(notifyService, notifyPath).CallWithContext(ctx, notifyMethod, 0,
		d.AppName,                 // app_name
		uint32(0),                 // replaces_id
		"x-office-calendar",       // app_icon
		summary,                   // summary
		body,                      // body
		[]string{},                // actions
		map[string]dbus.Variant{}, // hints
		int32(-1),                 // expire_timeout
	)
	if call.Err != nil {
		d.Logger.Debug("failed to send desktop notification", "error", call.Err)
	}
}

func (d *Desktop) session() (*dbus.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil && d.conn.Connected() {
		return d.conn, nil
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	d.conn = conn
	return conn, nil
}
