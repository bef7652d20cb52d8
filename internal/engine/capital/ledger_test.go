package capital_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycopy/internal/adapters/storage"
	"polycopy/internal/domain"
	"polycopy/internal/engine/capital"
)

type captureSink struct{ events []domain.Event }

func (c *captureSink) Publish(ev domain.Event) { c.events = append(c.events, ev) }

func newTestLedger(t *testing.T) (*capital.Ledger, *storage.SQLiteStorage, *captureSink) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sink := &captureSink{}
	return capital.NewLedger(store, sink), store, sink
}

func seedStrategy(t *testing.T, store *storage.SQLiteStorage, id string, initial float64) {
	t.Helper()
	now := time.Now().UTC()
	err := store.SaveStrategy(context.Background(), domain.Strategy{
		ID:            id,
		Name:          id,
		TraderAddress: "0xtrader",
		Active:        true,
		Capital:       domain.CapitalState{Initial: initial, Available: initial},
		Exec:          domain.ExecConfig{CopyRatio: 0.1, OrderType: "FOK"},
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)
}

func TestLock_MovesAvailableToLocked(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	seedStrategy(t, store, "s1", 1000)
	ctx := context.Background()

	require.NoError(t, ledger.Lock(ctx, "s1", 40))

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 960, cap.Available, 1e-9)
	assert.InDelta(t, 40, cap.Locked, 1e-9)
	assert.NoError(t, cap.CheckInvariant())
}

func TestLock_InsufficientMutatesNothing(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	seedStrategy(t, store, "s1", 50)
	ctx := context.Background()

	err := ledger.Lock(ctx, "s1", 60)
	assert.ErrorIs(t, err, domain.ErrInsufficientCash)

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 50, cap.Available, 1e-9)
	assert.Zero(t, cap.Locked)
}

func TestUnlock_ReversesRejectedOrder(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	seedStrategy(t, store, "s1", 1000)
	ctx := context.Background()

	require.NoError(t, ledger.Lock(ctx, "s1", 40))
	require.NoError(t, ledger.Unlock(ctx, "s1", 40))

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, cap.Available, 1e-9)
	assert.Zero(t, cap.Locked)
	assert.NoError(t, cap.CheckInvariant())
}

// A $100 lot resolving as a winner pays $200: locked drains by the cost
// basis, the payout sits in cooldown, and realized P&L books the gain.
func TestRelease_WinningResolution(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	seedStrategy(t, store, "s1", 1000)
	ctx := context.Background()

	require.NoError(t, ledger.Lock(ctx, "s1", 100))
	require.NoError(t, ledger.Release(ctx, "s1", 100, 200, 100, 3*time.Hour))

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 900, cap.Available, 1e-9)
	assert.Zero(t, cap.Locked)
	assert.InDelta(t, 200, cap.Cooldown, 1e-9)
	assert.InDelta(t, 100, cap.RealizedPnL, 1e-9)
	assert.NoError(t, cap.CheckInvariant())
	assert.InDelta(t, 1100, cap.Equity(), 1e-9)
}

func TestRelease_TotalLossCreatesNoCooldown(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	seedStrategy(t, store, "s1", 1000)
	ctx := context.Background()

	require.NoError(t, ledger.Lock(ctx, "s1", 100))
	require.NoError(t, ledger.Release(ctx, "s1", 100, 0, -100, 3*time.Hour))

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 900, cap.Available, 1e-9)
	assert.Zero(t, cap.Locked)
	assert.Zero(t, cap.Cooldown)
	assert.InDelta(t, -100, cap.RealizedPnL, 1e-9)
	assert.NoError(t, cap.CheckInvariant())

	entries, err := store.ListCooldownEntries(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessCooldowns_IdempotentRelease(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	seedStrategy(t, store, "s1", 1000)
	ctx := context.Background()

	require.NoError(t, ledger.Lock(ctx, "s1", 100))
	require.NoError(t, ledger.Release(ctx, "s1", 100, 150, 50, time.Minute))

	// Not yet matured.
	released, err := ledger.ProcessCooldowns(ctx, "s1", time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, released)

	// Matured: releases once.
	later := time.Now().UTC().Add(2 * time.Minute)
	released, err = ledger.ProcessCooldowns(ctx, "s1", later)
	require.NoError(t, err)
	assert.InDelta(t, 150, released, 1e-9)

	// A second pass finds nothing.
	released, err = ledger.ProcessCooldowns(ctx, "s1", later)
	require.NoError(t, err)
	assert.Zero(t, released)

	cap, err := store.GetCapital(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 1050, cap.Available, 1e-9)
	assert.Zero(t, cap.Cooldown)
	assert.NoError(t, cap.CheckInvariant())
}

func TestCheckInvariant_HaltsOnDrift(t *testing.T) {
	ledger, store, sink := newTestLedger(t)
	seedStrategy(t, store, "s1", 1000)
	ctx := context.Background()

	// Healthy account passes.
	require.NoError(t, ledger.CheckInvariant(ctx, "s1"))

	// Force a drifted balance directly.
	drifted := domain.Strategy{
		ID: "s2", Name: "s2", TraderAddress: "0xtrader", Active: true,
		Capital:   domain.CapitalState{Initial: 1000, Available: 900, Locked: 50},
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveStrategy(ctx, drifted))

	err := ledger.CheckInvariant(ctx, "s2")
	require.Error(t, err)

	st, err := store.GetStrategy(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, st.Halted)
	assert.Contains(t, st.HaltReason, "capital invariant violated")

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventStrategyHalted, sink.events[0].Type)

	// Halted strategies drop out of the active set.
	active, err := store.ListActiveStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s1", active[0].ID)
}
