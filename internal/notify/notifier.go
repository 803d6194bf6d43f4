// Package notify pushes engine events to operator chat channels (Telegram,
// Discord). Which event kinds are forwarded is configurable.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/natebag/trenchtools/internal/domain"
)

// sendTimeout bounds a single sender's delivery.
const sendTimeout = 10 * time.Second

// Sender delivers one message to a chat channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender in logs and errors, e.g. "telegram".
	Name() string
}

// Notifier fans a message out to every Sender concurrently. Notify is
// filtered by event kind; NotifyAll is not.
type Notifier struct {
	senders []Sender
	allow   map[string]struct{}
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over senders. events lists the kinds Notify
// forwards; an empty list forwards every kind.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allow := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allow[e] = struct{}{}
		}
	}
	return &Notifier{
		senders: senders,
		allow:   allow,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

func (n *Notifier) wants(event string) bool {
	if len(n.allow) == 0 {
		return true
	}
	_, ok := n.allow[event]
	return ok
}

// Notify sends title and message when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.wants(event) {
		return nil
	}
	return n.fanOut(ctx, title, message)
}

// NotifyAll sends title and message unconditionally.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.fanOut(ctx, title, message)
}

// fanOut delivers to every sender. One sender failing never stops the
// others; all failures are joined into the returned error.
func (n *Notifier) fanOut(ctx context.Context, title, message string) error {
	errs := make([]error, len(n.senders))

	var g errgroup.Group
	for i, s := range n.senders {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()

			if err := s.Send(sctx, title, message); err != nil {
				n.logger.WarnContext(ctx, "notification failed",
					slog.String("sender", s.Name()),
					slog.String("title", title),
					slog.String("error", err.Error()),
				)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// NotifyEvent formats an engine event and sends it through Notify, so the
// event kind filter applies.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	return n.Notify(ctx, string(ev.Kind), FormatTitle(ev), FormatMessage(ev))
}

// FormatTitle renders a short headline for ev.
func FormatTitle(ev domain.Event) string {
	switch ev.Kind {
	case domain.EventPositionOpened:
		return "Position opened"
	case domain.EventPeakUpdated:
		return "New peak"
	case domain.EventTriggerActivated:
		return fmt.Sprintf("Trigger fired: %s", ev.TriggerType)
	case domain.EventPartialSellRequested:
		return "Partial sell requested"
	case domain.EventPositionClosed:
		return "Position closed"
	}
	return string(ev.Kind)
}

// FormatMessage renders the position, asset and payload of ev, one field per
// line with payload keys sorted.
func FormatMessage(ev domain.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "position: %s\nasset: %s", ev.PositionID, ev.AssetID)
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, ev.Data[k])
	}
	return b.String()
}
