package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/position"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) Publish(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) count(kind domain.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// fakeAdapter fills orders at a fixed price unless fail is set.
type fakeAdapter struct {
	price decimal.Decimal
	fail  atomic.Bool
	err   error
	calls atomic.Int32
	delay time.Duration

	// maxFill caps each fill when positive.
	maxFill int64

	mu     sync.Mutex
	orders []domain.SellOrder
}

func (a *fakeAdapter) Execute(_ context.Context, order domain.SellOrder) (domain.SellOutcome, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.orders = append(a.orders, order)
	a.mu.Unlock()
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.err != nil {
		return domain.SellOutcome{}, a.err
	}
	if a.fail.Load() {
		return domain.SellOutcome{Success: false, Error: "route not found"}, nil
	}
	sold := order.Quantity
	if a.maxFill > 0 && sold > a.maxFill {
		sold = a.maxFill
	}
	return domain.SellOutcome{
		Success:       true,
		ExecutionRef:  "sig-" + order.PositionID,
		QuantitySold:  sold,
		ExecutedPrice: a.price,
		Proceeds:      a.price.Mul(decimal.NewFromInt(sold)),
		CompletedAt:   time.Now().UTC(),
	}, nil
}

func (a *fakeAdapter) lastOrder() domain.SellOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orders[len(a.orders)-1]
}

type coordFixture struct {
	store   *position.Store
	adapter *fakeAdapter
	pub     *recordingPublisher
	coord   *Coordinator
}

func newCoordFixture(t *testing.T, quantity int64) *coordFixture {
	t.Helper()
	store := position.NewStore()
	require.NoError(t, store.Register(domain.Position{
		ID:            "p1",
		AssetID:       "ASSET",
		EntryPrice:    dec("0.0010"),
		EntryCost:     dec("0.0010").Mul(decimal.NewFromInt(quantity)),
		TotalQuantity: quantity,
		Policy:        domain.DefaultExitPolicy(),
	}))
	adapter := &fakeAdapter{price: dec("0.0020")}
	pub := &recordingPublisher{}
	return &coordFixture{
		store:   store,
		adapter: adapter,
		pub:     pub,
		coord:   NewCoordinator(store, adapter, "fake", pub, discardLogger()),
	}
}

func (f *coordFixture) fire(t *testing.T, tt domain.TriggerType) {
	t.Helper()
	fired, err := f.store.FireTrigger("p1", domain.ActiveTrigger{Type: tt, Price: dec("0.0020")})
	require.NoError(t, err)
	require.True(t, fired)
}

func TestCoordinator_ExecuteTriggerClosesPosition(t *testing.T) {
	f := newCoordFixture(t, 100000)
	f.fire(t, domain.TriggerTakeProfit)

	pos, err := f.coord.ExecuteTrigger(context.Background(), "p1", domain.TriggerTakeProfit)
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, int64(0), pos.RemainingQuantity)
	require.NotNil(t, pos.ClosedAt)
	require.Len(t, pos.Exits, 1)
	assert.Equal(t, int64(100000), pos.Exits[0].TokensSold)
	assert.True(t, pos.Exits[0].Multiplier.Equal(dec("2")))
	assert.Equal(t, pos.TotalQuantity, pos.SoldQuantity()+pos.RemainingQuantity)

	tr, _ := pos.Trigger(domain.TriggerTakeProfit)
	assert.True(t, tr.Executed)
	assert.Equal(t, "sig-p1", tr.ExecutionRef)

	order := f.adapter.lastOrder()
	assert.Equal(t, int64(100000), order.Quantity)
	assert.Equal(t, 500, order.SlippageBps)
	assert.Equal(t, 1, f.pub.count(domain.EventPositionClosed))

	// closed is terminal
	_, err = f.coord.ExecuteTrigger(context.Background(), "p1", domain.TriggerTakeProfit)
	assert.True(t, errors.Is(err, domain.ErrPositionClosed))
	_, err = f.coord.ManualSell(context.Background(), "p1")
	assert.True(t, errors.Is(err, domain.ErrPositionClosed))
	assert.Equal(t, int32(1), f.adapter.calls.Load())
}

func TestCoordinator_FailedExecutionRollsBack(t *testing.T) {
	f := newCoordFixture(t, 100000)
	f.fire(t, domain.TriggerStopLoss)
	f.adapter.fail.Store(true)

	_, err := f.coord.ExecuteTrigger(context.Background(), "p1", domain.TriggerStopLoss)
	require.Error(t, err)

	var execErr *domain.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "p1", execErr.PositionID)
	assert.Equal(t, domain.TriggerStopLoss, execErr.TriggerType)
	assert.True(t, errors.Is(err, domain.ErrExecutionRejected))

	pos, err := f.store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, int64(100000), pos.RemainingQuantity)
	assert.Empty(t, pos.Exits)
	tr, _ := pos.Trigger(domain.TriggerStopLoss)
	assert.True(t, tr.Fired)
	assert.False(t, tr.Executed)
	assert.Zero(t, f.pub.count(domain.EventPositionClosed))

	// retry once the venue recovers
	f.adapter.fail.Store(false)
	pos, err = f.coord.ExecuteTrigger(context.Background(), "p1", domain.TriggerStopLoss)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
}

func TestCoordinator_AdapterErrorRollsBackPartialStatus(t *testing.T) {
	f := newCoordFixture(t, 100000)
	f.adapter.err = errors.New("connection reset")

	_, err := f.coord.ExecutePartial(context.Background(), "p1", domain.PartialLevel{Multiplier: dec("2"), Fraction: dec("0.25")})
	var execErr *domain.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, domain.TriggerPartialSell, execErr.TriggerType)

	pos, _ := f.store.Get("p1")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Equal(t, int64(100000), pos.RemainingQuantity)
}

func TestCoordinator_ExecuteTriggerRequiresFired(t *testing.T) {
	f := newCoordFixture(t, 100000)

	_, err := f.coord.ExecuteTrigger(context.Background(), "p1", domain.TriggerTakeProfit)
	assert.True(t, errors.Is(err, domain.ErrTriggerNotFired))

	_, err = f.coord.ExecuteTrigger(context.Background(), "missing", domain.TriggerTakeProfit)
	assert.True(t, errors.Is(err, domain.ErrPositionNotFound))
	assert.Zero(t, f.adapter.calls.Load())
}

func TestCoordinator_PartialLadder(t *testing.T) {
	f := newCoordFixture(t, 100000)
	ctx := context.Background()
	first := domain.PartialLevel{Multiplier: dec("2"), Fraction: dec("0.25")}
	second := domain.PartialLevel{Multiplier: dec("4"), Fraction: dec("0.5")}

	pos, err := f.coord.ExecutePartial(ctx, "p1", first)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusPartial, pos.Status)
	assert.Equal(t, int64(75000), pos.RemainingQuantity)

	_, err = f.coord.ExecutePartial(ctx, "p1", first)
	assert.True(t, errors.Is(err, domain.ErrExitAlreadyTaken))

	pos, err = f.coord.ExecutePartial(ctx, "p1", second)
	require.NoError(t, err)
	assert.Equal(t, int64(37500), pos.RemainingQuantity)
	assert.Equal(t, int64(62500), pos.SoldQuantity())
	assert.Equal(t, pos.TotalQuantity, pos.SoldQuantity()+pos.RemainingQuantity)
	assert.Zero(t, f.pub.count(domain.EventPositionClosed))

	// the last rung sells everything left
	pos, err = f.coord.ExecutePartial(ctx, "p1", domain.PartialLevel{Multiplier: dec("10"), Fraction: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, 1, f.pub.count(domain.EventPositionClosed))
}

func TestCoordinator_ShortFullExitLeavesLadderOpen(t *testing.T) {
	f := newCoordFixture(t, 100000)
	f.adapter.maxFill = 40000
	f.fire(t, domain.TriggerTakeProfit)
	ctx := context.Background()

	pos, err := f.coord.ExecuteTrigger(ctx, "p1", domain.TriggerTakeProfit)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusPartial, pos.Status)
	assert.Equal(t, int64(60000), pos.RemainingQuantity)
	require.Len(t, pos.Exits, 1)
	assert.True(t, pos.Exits[0].Fraction.Equal(dec("0.4")), "got %s", pos.Exits[0].Fraction)

	// the 100% rung still sells what is left
	f.adapter.maxFill = 0
	pos, err = f.coord.ExecutePartial(ctx, "p1", domain.PartialLevel{Multiplier: dec("10"), Fraction: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, pos.TotalQuantity, pos.SoldQuantity())
}

func TestCoordinator_PartialSupersededByPendingFullExit(t *testing.T) {
	f := newCoordFixture(t, 100000)
	f.fire(t, domain.TriggerTakeProfit)

	_, err := f.coord.ExecutePartial(context.Background(), "p1", domain.PartialLevel{Multiplier: dec("2"), Fraction: dec("0.25")})
	assert.True(t, errors.Is(err, domain.ErrExitSuperseded))
	assert.True(t, IsSkip(err))
	assert.Zero(t, f.adapter.calls.Load())
}

func TestCoordinator_NothingToSell(t *testing.T) {
	f := newCoordFixture(t, 10)

	_, err := f.coord.ExecutePartial(context.Background(), "p1", domain.PartialLevel{Multiplier: dec("2"), Fraction: dec("0.05")})
	assert.True(t, errors.Is(err, domain.ErrNothingToSell))

	pos, _ := f.store.Get("p1")
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.Zero(t, f.adapter.calls.Load())
}

func TestCoordinator_ManualSellReusesTriggerAfterFailure(t *testing.T) {
	f := newCoordFixture(t, 100000)
	f.adapter.fail.Store(true)

	_, err := f.coord.ManualSell(context.Background(), "p1")
	var execErr *domain.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, domain.TriggerManual, execErr.TriggerType)
	assert.Equal(t, 1, f.pub.count(domain.EventTriggerActivated))

	f.adapter.fail.Store(false)
	pos, err := f.coord.EmergencyExit(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Len(t, pos.Triggers, 1)
	assert.Equal(t, 1, f.pub.count(domain.EventTriggerActivated))
}

func TestCoordinator_ConcurrentExitsSellOnce(t *testing.T) {
	f := newCoordFixture(t, 100000)
	f.adapter.delay = 5 * time.Millisecond

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		closed    atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.ManualSell(context.Background(), "p1")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrPositionClosed):
				closed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(19), closed.Load())
	assert.Equal(t, int32(1), f.adapter.calls.Load())

	pos, _ := f.store.Get("p1")
	assert.Equal(t, pos.TotalQuantity, pos.SoldQuantity())
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestCoordinator_DistributedLockHeld(t *testing.T) {
	f := newCoordFixture(t, 100000)
	f.coord.SetDistributedLock(heldLock{}, time.Second)

	_, err := f.coord.ManualSell(context.Background(), "p1")
	assert.True(t, errors.Is(err, domain.ErrLockHeld))
	assert.Zero(t, f.adapter.calls.Load())

	// the in-process lock was released
	f.coord.SetDistributedLock(nil, 0)
	_, err = f.coord.ManualSell(context.Background(), "p1")
	require.NoError(t, err)
}

func TestCoordinator_HandleDispatch(t *testing.T) {
	f := newCoordFixture(t, 100000)
	ctx := context.Background()

	err := f.coord.Handle(ctx, domain.ExitRequest{PositionID: "p1", Kind: domain.ExitKindPartial})
	assert.Error(t, err)

	lvl := domain.PartialLevel{Multiplier: dec("2"), Fraction: dec("0.25")}
	require.NoError(t, f.coord.Handle(ctx, domain.ExitRequest{PositionID: "p1", Kind: domain.ExitKindPartial, Level: &lvl}))

	f.fire(t, domain.TriggerTrailingStop)
	require.NoError(t, f.coord.Handle(ctx, domain.ExitRequest{PositionID: "p1", Kind: domain.ExitKindFull, TriggerType: domain.TriggerTrailingStop}))

	pos, _ := f.store.Get("p1")
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, int64(25000), pos.Exits[0].TokensSold)
	assert.Equal(t, int64(75000), pos.Exits[1].TokensSold)
}

type freeLock struct{}

func (freeLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

// sharedRecords is the durable copy both replicas write exits to.
type sharedRecords struct {
	mu   sync.Mutex
	byID map[string]domain.Position
}

func (s *sharedRecords) save(_ context.Context, p domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = p.Clone()
}

func (s *sharedRecords) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	return p.Clone(), nil
}

func TestCoordinator_ReplicaAdoptsExitsRecordedElsewhere(t *testing.T) {
	shared := &sharedRecords{byID: map[string]domain.Position{}}
	ctx := context.Background()

	replicas := make([]*coordFixture, 2)
	for i := range replicas {
		f := newCoordFixture(t, 100000)
		f.coord.SetDistributedLock(freeLock{}, time.Second)
		f.coord.SetSharedState(shared)
		f.coord.OnExit(shared.save)
		replicas[i] = f
	}
	a, b := replicas[0], replicas[1]

	lvl := domain.PartialLevel{Multiplier: dec("2"), Fraction: dec("0.25")}
	_, err := a.coord.ExecutePartial(ctx, "p1", lvl)
	require.NoError(t, err)

	// b still holds the pre-sell copy until it takes the lock
	_, err = b.coord.ExecutePartial(ctx, "p1", lvl)
	assert.True(t, errors.Is(err, domain.ErrExitAlreadyTaken))
	assert.Zero(t, b.adapter.calls.Load())
	local, err := b.store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(75000), local.RemainingQuantity)

	_, err = a.coord.ManualSell(ctx, "p1")
	require.NoError(t, err)

	_, err = b.coord.ManualSell(ctx, "p1")
	assert.True(t, errors.Is(err, domain.ErrPositionClosed))
	assert.Zero(t, b.adapter.calls.Load())
	local, err = b.store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, local.Status)
	assert.Equal(t, local.TotalQuantity, local.SoldQuantity())
}
