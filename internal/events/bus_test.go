package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natebag/trenchtools/internal/domain"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func receive(t *testing.T, sub *Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()
	sub := bus.Subscribe()

	for _, id := range []string{"a", "b", "c"} {
		bus.Publish(domain.Event{Kind: domain.EventPeakUpdated, PositionID: id})
	}

	assert.Equal(t, "a", receive(t, sub).PositionID)
	assert.Equal(t, "b", receive(t, sub).PositionID)
	ev := receive(t, sub)
	assert.Equal(t, "c", ev.PositionID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()
	sub := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(domain.Event{Kind: domain.EventPeakUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}
	receive(t, sub)
}

func TestBus_KindFilter(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()
	sub := bus.Subscribe(domain.EventPositionClosed)

	bus.Publish(domain.Event{Kind: domain.EventPeakUpdated, PositionID: "skip"})
	bus.Publish(domain.Event{Kind: domain.EventPositionClosed, PositionID: "keep"})

	assert.Equal(t, "keep", receive(t, sub).PositionID)
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := newTestBus()
	sub := bus.Subscribe()
	other := bus.Subscribe()

	other.Close()
	bus.Publish(domain.Event{Kind: domain.EventPositionOpened, PositionID: "p1"})
	assert.Equal(t, "p1", receive(t, sub).PositionID)

	bus.Close()
	assert.Eventually(t, func() bool {
		_, ok := <-sub.C
		return !ok
	}, time.Second, 10*time.Millisecond)

	late := bus.Subscribe()
	_, ok := <-late.C
	assert.False(t, ok)
}
