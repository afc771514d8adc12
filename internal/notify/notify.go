// Package notify delivers sync signals that need the user's attention:
// abandoned local changes and rejected credentials.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Abandonment describes one outbox entry the sync engine gave up on.
type Abandonment struct {
	AccountID  int64
	CalendarID int64
	EventID    int64
	Title      string
	Reason     string
}

// Notifier receives sync signals. Implementations must not block the
// caller for long and never report failures back.
type Notifier interface {
	// Abandoned is called once per calendar pass with every entry
	// abandoned during that pass.
	Abandoned(ctx context.Context, items []Abandonment)

	// AuthFailed is called when a server rejected an account's credentials.
	AuthFailed(ctx context.Context, accountID int64, accountName string, err error)
}

// Multi fans signals out to several notifiers.
type Multi []Notifier

func (m Multi) Abandoned(ctx context.Context, items []Abandonment) {
	for _, n := range m {
		n.Abandoned(ctx, items)
	}
}

func (m Multi) AuthFailed(ctx context.Context, accountID int64, accountName string, err error) {
	for _, n := range m {
		n.AuthFailed(ctx, accountID, accountName, err)
	}
}

// Nop discards every signal.
type Nop struct{}

func (Nop) Abandoned(context.Context, []Abandonment)          {}
func (Nop) AuthFailed(context.Context, int64, string, error) {}

// LogNotifier writes signals to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogNotifier) Abandoned(ctx context.Context, items []Abandonment) {
	for _, item := range items {
		l.logger().WarnContext(ctx, "local change abandoned",
			"calendar_id", item.CalendarID,
			"event_id", item.EventID,
			"title", item.Title,
			"reason", item.Reason)
	}
}

func (l LogNotifier) AuthFailed(ctx context.Context, accountID int64, accountName string, err error) {
	l.logger().ErrorContext(ctx, "account authentication failed",
		"account_id", accountID,
		"account", accountName,
		"error", err)
}

// Summary returns a title and body for a batch of abandonments: the event
// itself for one, a count with the first few titles otherwise.
func Summary(items []Abandonment) (title, body string) {
	switch len(items) {
	case 0:
		return "", ""
	case 1:
		name := items[0].Title
		if name == "" {
			name = "Untitled event"
		}
		return "Change could not be synced", fmt.Sprintf("%q was reset to the server version: %s", name, items[0].Reason)
	}

	var titles []string
	for i, item := range items {
		if i == 3 {
			titles = append(titles, fmt.Sprintf("and %d more", len(items)-3))
			break
		}
		if item.Title == "" {
			titles = append(titles, "Untitled event")
			continue
		}
		titles = append(titles, item.Title)
	}
	return fmt.Sprintf("%d changes could not be synced", len(items)),
		"Reset to the server version: " + strings.Join(titles, ", ")
}
