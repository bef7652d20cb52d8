package execution_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycopy/internal/adapters/storage"
	"polycopy/internal/domain"
	"polycopy/internal/engine/capital"
	"polycopy/internal/engine/execution"
)

type captureSink struct{ events []domain.Event }

func (c *captureSink) Publish(ev domain.Event) { c.events = append(c.events, ev) }

func seedSyncFixture(t *testing.T, ex *mockExchange, onFill execution.FillHandler) (*execution.Syncer, *storage.SQLiteStorage, *captureSink) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.SaveStrategy(ctx, domain.Strategy{
		ID: "s1", Name: "s1", TraderAddress: "0xt", Active: true,
		Capital:   domain.CapitalState{Initial: 1000, Available: 1000},
		CreatedAt: now, UpdatedAt: now,
	}))

	sink := &captureSink{}
	ledger := capital.NewLedger(store, sink)
	return execution.NewSyncer(store, ex, ledger, sink, onFill, 3), store, sink
}

func pendingOrder(t *testing.T, store *storage.SQLiteStorage, id string, misses int) domain.Order {
	t.Helper()
	ctx := context.Background()
	o := domain.Order{
		ID: id, StrategyID: "s1", MarketID: "0xc1", Outcome: "Yes",
		InstrumentID: "tok-yes", Side: domain.SideBuy,
		OrderType: domain.OrderTypeFOK, ReqPrice: 0.42, ReqSize: 50,
		ExchangeOrderID: "0xex-" + id, Status: domain.OrderPending,
		NotFoundCount: misses,
		PlacedAt:      time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveOrder(ctx, o))
	// Capital was locked at placement time.
	ok, err := store.LockCapital(ctx, "s1", o.Cost())
	require.NoError(t, err)
	require.True(t, ok)
	return o
}

func TestSyncPending_AppliesFill(t *testing.T) {
	var filled []domain.Order
	ex := &mockExchange{
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{
				ExchangeOrderID: id, Status: domain.OrderFilled, FilledSize: 50, FilledPrice: 0.42,
			}, nil
		},
	}
	syncer, store, sink := seedSyncFixture(t, ex, func(ctx context.Context, o domain.Order, newShares float64) error {
		filled = append(filled, o)
		assert.InDelta(t, 50.0, newShares, 1e-9)
		return nil
	})
	pendingOrder(t, store, "o1", 0)
	ctx := context.Background()

	require.NoError(t, syncer.SyncPending(ctx))

	o, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, o.Status)
	assert.InDelta(t, 50.0, o.FilledSize, 1e-9)

	require.Len(t, filled, 1)
	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventOrderFilled, sink.events[0].Type)

	// Filled orders drop out of the open set.
	open, err := store.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSyncPending_LostReleasesCapital(t *testing.T) {
	ex := &mockExchange{
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{}, domain.ErrOrderNotFound
		},
	}
	syncer, store, sink := seedSyncFixture(t, ex, nil)
	o := pendingOrder(t, store, "o1", 0)
	ctx := context.Background()

	// Two passes only count misses.
	require.NoError(t, syncer.SyncPending(ctx))
	require.NoError(t, syncer.SyncPending(ctx))
	got, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, got.Status)
	assert.Equal(t, 2, got.NotFoundCount)

	// Third miss crosses the threshold.
	require.NoError(t, syncer.SyncPending(ctx))
	got, err = store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderLost, got.Status)
	assert.True(t, got.AuditFlag)

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, cap.Locked)
	assert.InDelta(t, o.Cost(), cap.Cooldown, 1e-9)
	assert.NoError(t, cap.CheckInvariant())

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventOrderLost, sink.events[0].Type)

	// Lost is terminal: the next pass does not touch it again.
	require.NoError(t, syncer.SyncPending(ctx))
	cap2, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, cap.Cooldown, cap2.Cooldown, 1e-9)
}

func TestSyncPending_SuccessfulPollResetsMisses(t *testing.T) {
	ex := &mockExchange{
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: id, Status: domain.OrderPending}, nil
		},
	}
	syncer, store, _ := seedSyncFixture(t, ex, nil)
	pendingOrder(t, store, "o1", 2)
	ctx := context.Background()

	require.NoError(t, syncer.SyncPending(ctx))
	got, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Zero(t, got.NotFoundCount)
	assert.Equal(t, domain.OrderPending, got.Status)
}

func pendingSellOrder(t *testing.T, store *storage.SQLiteStorage, id string) domain.Order {
	t.Helper()
	// Sells reserve nothing at placement: no lock accompanies the row.
	o := domain.Order{
		ID: id, StrategyID: "s1", MarketID: "0xc1", Outcome: "Yes",
		InstrumentID: "tok-yes", Side: domain.SideSell,
		OrderType: domain.OrderTypeGTC, ReqPrice: 0.50, ReqSize: 100,
		ExchangeOrderID: "0xex-" + id, Status: domain.OrderPending,
		PlacedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveOrder(context.Background(), o))
	return o
}

// A sell that comes back cancelled moves no capital: it never locked
// any, so unlocking its notional would conjure cash and break the
// bucket-sum invariant.
func TestSyncPending_CancelledSellMovesNoCapital(t *testing.T) {
	ex := &mockExchange{
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: id, Status: domain.OrderCancelled}, nil
		},
	}
	syncer, store, sink := seedSyncFixture(t, ex, nil)
	pendingSellOrder(t, store, "o1")
	ctx := context.Background()

	require.NoError(t, syncer.SyncPending(ctx))

	got, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, got.Status)

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, cap.Available, 1e-9)
	assert.Zero(t, cap.Locked)
	assert.Zero(t, cap.Cooldown)
	assert.NoError(t, cap.CheckInvariant())

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventOrderCancelled, sink.events[0].Type)
}

func TestSyncPending_RejectedSellMovesNoCapital(t *testing.T) {
	ex := &mockExchange{
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: id, Status: domain.OrderRejected}, nil
		},
	}
	syncer, store, _ := seedSyncFixture(t, ex, nil)
	pendingSellOrder(t, store, "o1")
	ctx := context.Background()

	require.NoError(t, syncer.SyncPending(ctx))

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, cap.Available, 1e-9)
	assert.NoError(t, cap.CheckInvariant())
}

// A lost sell is flagged for audit but parks nothing in cooldown.
func TestSyncPending_LostSellAuditFlagOnly(t *testing.T) {
	ex := &mockExchange{
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{}, domain.ErrOrderNotFound
		},
	}
	syncer, store, sink := seedSyncFixture(t, ex, nil)
	pendingSellOrder(t, store, "o1")
	ctx := context.Background()

	require.NoError(t, syncer.SyncPending(ctx))
	require.NoError(t, syncer.SyncPending(ctx))
	require.NoError(t, syncer.SyncPending(ctx))

	got, err := store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderLost, got.Status)
	assert.True(t, got.AuditFlag)

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, cap.Available, 1e-9)
	assert.Zero(t, cap.Cooldown)
	assert.NoError(t, cap.CheckInvariant())

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventOrderLost, sink.events[0].Type)
}

// A cancelled GTC whose final status carries new fills books those
// fills; the fill handler then owns returning the unfilled surplus, so
// the syncer must not unlock it a second time.
func TestSyncPending_CancelledBuyWithFinalFillBooksFill(t *testing.T) {
	var fills []float64
	ex := &mockExchange{
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{
				ExchangeOrderID: id, Status: domain.OrderCancelled, FilledSize: 20, FilledPrice: 0.42,
			}, nil
		},
	}
	syncer, store, sink := seedSyncFixture(t, ex, func(ctx context.Context, o domain.Order, newShares float64) error {
		fills = append(fills, newShares)
		assert.Equal(t, domain.OrderCancelled, o.Status)
		return nil
	})
	pendingOrder(t, store, "o1", 0)
	ctx := context.Background()

	require.NoError(t, syncer.SyncPending(ctx))

	require.Len(t, fills, 1)
	assert.InDelta(t, 20.0, fills[0], 1e-9)

	// The stub handler returned nothing, and neither did the syncer:
	// the lock is untouched.
	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 21.0, cap.Locked, 1e-9)

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventOrderCancelled, sink.events[0].Type)
}

// An unfilled cancelled buy still gets its reserve back directly.
func TestSyncPending_CancelledBuyUnlocksReserve(t *testing.T) {
	ex := &mockExchange{
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: id, Status: domain.OrderCancelled}, nil
		},
	}
	syncer, store, _ := seedSyncFixture(t, ex, nil)
	pendingOrder(t, store, "o1", 0)
	ctx := context.Background()

	require.NoError(t, syncer.SyncPending(ctx))

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, cap.Available, 1e-9)
	assert.Zero(t, cap.Locked)
	assert.NoError(t, cap.CheckInvariant())
}

func TestSyncPending_RejectedUnlocks(t *testing.T) {
	ex := &mockExchange{
		statusFn: func(id string) (domain.PlaceResult, error) {
			return domain.PlaceResult{ExchangeOrderID: id, Status: domain.OrderRejected}, nil
		},
	}
	syncer, store, _ := seedSyncFixture(t, ex, nil)
	pendingOrder(t, store, "o1", 0)
	ctx := context.Background()

	require.NoError(t, syncer.SyncPending(ctx))

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, cap.Available, 1e-9)
	assert.Zero(t, cap.Locked)
	assert.NoError(t, cap.CheckInvariant())
}
