package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/natebag/trenchtools/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo is an in-memory domain.PositionRepository.
type memRepo struct {
	mu    sync.Mutex
	byID  map[string]domain.Position
	saves int
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[string]domain.Position)}
}

func (r *memRepo) Save(_ context.Context, p domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.ID] = p.Clone()
	r.saves++
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	return p.Clone(), nil
}

func (r *memRepo) ListActive(context.Context) ([]domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Position
	for _, p := range r.byID {
		if p.IsActive() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) ListClosed(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Position
	for _, p := range r.byID {
		if p.IsActive() || p.ClosedAt == nil {
			continue
		}
		if opts.Since != nil && p.ClosedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !p.ClosedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return domain.ErrPositionNotFound
	}
	delete(r.byID, id)
	return nil
}

func (r *memRepo) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

func (r *memRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

func (a *memAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

type memSignals struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemSignals() *memSignals {
	return &memSignals{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (m *memSignals) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel] = append(m.published[channel], payload)
	return nil
}

func (m *memSignals) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (m *memSignals) StreamAppend(_ context.Context, stream string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamed[stream] = append(m.streamed[stream], payload)
	return nil
}

func (m *memSignals) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (m *memSignals) counts(channel, stream string) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published[channel]), len(m.streamed[stream])
}

type memBroadcaster struct {
	mu       sync.Mutex
	channels []string
}

func (b *memBroadcaster) Broadcast(channel string, _ []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
}

func (b *memBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

type memNotifier struct {
	mu    sync.Mutex
	kinds []domain.EventKind
}

func (n *memNotifier) NotifyEvent(_ context.Context, ev domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, ev.Kind)
	return nil
}

func (n *memNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.kinds)
}
