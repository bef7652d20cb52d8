package position_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycopy/internal/adapters/storage"
	"polycopy/internal/domain"
	"polycopy/internal/engine/position"
	"polycopy/internal/ports"
)

func newLedger(t *testing.T) (*position.Ledger, *storage.SQLiteStorage) {
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
	return position.NewLedger(store), store
}

func TestRecordBuy_AppendsLot(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()

	id, err := ledger.RecordBuy(ctx, "s1", "0xc1", "Yes", "o1", 100, 0.40)
	require.NoError(t, err)

	lot, err := store.GetLot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.LotOpen, lot.Status)
	assert.InDelta(t, 100.0, lot.RemainingShares, 1e-9)
	assert.InDelta(t, 0.40, lot.EntryPrice, 1e-9)
}

// A sell larger than the front lot walks the queue in purchase order,
// booking pnl per lot against that lot's own entry price.
func TestRecordSell_FIFOAcrossLots(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()

	first, err := ledger.RecordBuy(ctx, "s1", "0xc1", "Yes", "o1", 100, 0.40)
	require.NoError(t, err)
	second, err := ledger.RecordBuy(ctx, "s1", "0xc1", "Yes", "o2", 50, 0.50)
	require.NoError(t, err)

	res, err := ledger.RecordSell(ctx, "s1", "0xc1", "Yes", "sell1", 120, 0.60)
	require.NoError(t, err)

	require.Len(t, res.Matches, 2)
	assert.Equal(t, first, res.Matches[0].LotID)
	assert.InDelta(t, 100.0, res.Matches[0].Shares, 1e-9)
	assert.InDelta(t, 100*(0.60-0.40), res.Matches[0].PnL, 1e-9)
	assert.Equal(t, second, res.Matches[1].LotID)
	assert.InDelta(t, 20.0, res.Matches[1].Shares, 1e-9)
	assert.InDelta(t, 20*(0.60-0.50), res.Matches[1].PnL, 1e-9)

	assert.InDelta(t, 120.0, res.MatchedShares, 1e-9)
	assert.InDelta(t, 100*0.40+20*0.50, res.CostBasis, 1e-9)
	assert.InDelta(t, 120*0.60, res.Proceeds, 1e-9)
	assert.InDelta(t, 22.0, res.RealizedPnL, 1e-9)
	assert.Zero(t, res.ShortRemainder)

	// First lot closed, second partially consumed.
	lot1, err := store.GetLot(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.LotClosedBySell, lot1.Status)
	assert.Zero(t, lot1.RemainingShares)
	assert.InDelta(t, 100.0, lot1.SoldShares, 1e-9)

	lot2, err := store.GetLot(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.LotOpen, lot2.Status)
	assert.InDelta(t, 30.0, lot2.RemainingShares, 1e-9)
	assert.InDelta(t, 20.0, lot2.SoldShares, 1e-9)
}

func TestRecordSell_OversellCreatesShort(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()

	_, err := ledger.RecordBuy(ctx, "s1", "0xc1", "Yes", "o1", 50, 0.40)
	require.NoError(t, err)

	res, err := ledger.RecordSell(ctx, "s1", "0xc1", "Yes", "sell1", 80, 0.55)
	require.NoError(t, err)

	assert.InDelta(t, 50.0, res.MatchedShares, 1e-9)
	assert.InDelta(t, 30.0, res.ShortRemainder, 1e-9)

	shorts, err := store.ListOpenShortsByMarket(ctx, "0xc1")
	require.NoError(t, err)
	require.Len(t, shorts, 1)
	assert.InDelta(t, 30.0, shorts[0].Shares, 1e-9)
	assert.InDelta(t, 0.55, shorts[0].SellPrice, 1e-9)
	assert.False(t, shorts[0].Settled)
}

// racingLotStore drains part of a lot right before the first consume,
// standing in for an overlapping run between snapshot and update.
type racingLotStore struct {
	ports.LotStore
	inner   *storage.SQLiteStorage
	lotID   int64
	shares  float64
	drained bool
}

func (r *racingLotStore) ConsumeLot(ctx context.Context, lotID int64, shares float64, sold bool) (bool, error) {
	if !r.drained {
		r.drained = true
		if ok, err := r.inner.ConsumeLot(ctx, r.lotID, r.shares, true); err != nil || !ok {
			return false, err
		}
	}
	return r.LotStore.ConsumeLot(ctx, lotID, shares, sold)
}

// Losing the consume race must re-read the queue, not fall through to
// the short path: shares still held in the drained lot are matched
// against its fresh remainder and only the true excess goes short.
func TestRecordSell_StaleSnapshotRereadsQueue(t *testing.T) {
	seed, store := newLedger(t)
	ctx := context.Background()

	lotID, err := seed.RecordBuy(ctx, "s1", "0xc1", "Yes", "o1", 100, 0.40)
	require.NoError(t, err)

	// 30 shares vanish between our snapshot and the first consume.
	racing := &racingLotStore{LotStore: store, inner: store, lotID: lotID, shares: 30}
	ledger := position.NewLedger(racing)

	res, err := ledger.RecordSell(ctx, "s1", "0xc1", "Yes", "sell1", 80, 0.60)
	require.NoError(t, err)

	assert.InDelta(t, 70.0, res.MatchedShares, 1e-9)
	assert.InDelta(t, 70*(0.60-0.40), res.RealizedPnL, 1e-9)
	assert.InDelta(t, 10.0, res.ShortRemainder, 1e-9)

	lot, err := store.GetLot(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, domain.LotClosedBySell, lot.Status)
	assert.Zero(t, lot.RemainingShares)

	shorts, err := store.ListOpenShortsByMarket(ctx, "0xc1")
	require.NoError(t, err)
	require.Len(t, shorts, 1)
	assert.InDelta(t, 10.0, shorts[0].Shares, 1e-9)
}

// Shares realized by a sell must never be paid again at resolution.
func TestRecordResolution_OnlyRemainingShares(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()

	lotID, err := ledger.RecordBuy(ctx, "s1", "0xc1", "Yes", "o1", 100, 0.40)
	require.NoError(t, err)
	_, err = ledger.RecordSell(ctx, "s1", "0xc1", "Yes", "sell1", 60, 0.70)
	require.NoError(t, err)

	res, err := ledger.RecordResolution(ctx, "0xc1", "Yes")
	require.NoError(t, err)

	require.Len(t, res.Released, 1)
	r := res.Released[0]
	assert.Equal(t, "s1", r.StrategyID)
	// Only the 40 unsold shares settle: payout 40×1.0, basis 40×0.40.
	assert.InDelta(t, 40.0, r.Payout, 1e-9)
	assert.InDelta(t, 16.0, r.CostBasis, 1e-9)
	assert.InDelta(t, 24.0, r.RealizedPnL, 1e-9)
	assert.Equal(t, 1, r.LotsSettled)

	lot, err := store.GetLot(ctx, lotID)
	require.NoError(t, err)
	assert.Equal(t, domain.LotResolved, lot.Status)
	assert.InDelta(t, 60.0, lot.SoldShares, 1e-9)
	assert.InDelta(t, 40.0, lot.ResolvedShares, 1e-9)
	assert.Zero(t, lot.RemainingShares)
	// sold + resolved + remaining == original
	assert.InDelta(t, lot.OriginalShares, lot.SoldShares+lot.ResolvedShares+lot.RemainingShares, 1e-9)
}

func TestRecordResolution_LosingLotPaysNothing(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.RecordBuy(ctx, "s1", "0xc1", "Yes", "o1", 100, 0.40)
	require.NoError(t, err)

	res, err := ledger.RecordResolution(ctx, "0xc1", "No")
	require.NoError(t, err)

	require.Len(t, res.Released, 1)
	assert.Zero(t, res.Released[0].Payout)
	assert.InDelta(t, 40.0, res.Released[0].CostBasis, 1e-9)
	assert.InDelta(t, -40.0, res.Released[0].RealizedPnL, 1e-9)
}

func TestRecordResolution_SettlesShorts(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()

	// Sell with nothing held: pure short of 30 shares.
	res, err := ledger.RecordSell(ctx, "s1", "0xc1", "Yes", "sell1", 30, 0.55)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, res.ShortRemainder, 1e-9)

	// The sold outcome won: the short owes 30×1.0.
	resol, err := ledger.RecordResolution(ctx, "0xc1", "Yes")
	require.NoError(t, err)
	require.Len(t, resol.Released, 1)
	assert.InDelta(t, -30.0, resol.Released[0].Payout, 1e-9)
	assert.InDelta(t, -30.0, resol.Released[0].RealizedPnL, 1e-9)

	shorts, err := store.ListOpenShortsByMarket(ctx, "0xc1")
	require.NoError(t, err)
	assert.Empty(t, shorts)

	// Settled shorts never settle twice.
	again, err := ledger.RecordResolution(ctx, "0xc1", "Yes")
	require.NoError(t, err)
	assert.Empty(t, again.Released)
}

func TestRecordResolution_Idempotent(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.RecordBuy(ctx, "s1", "0xc1", "Yes", "o1", 100, 0.40)
	require.NoError(t, err)

	first, err := ledger.RecordResolution(ctx, "0xc1", "Yes")
	require.NoError(t, err)
	require.Len(t, first.Released, 1)

	second, err := ledger.RecordResolution(ctx, "0xc1", "Yes")
	require.NoError(t, err)
	assert.Empty(t, second.Released)
}

func TestPositions_Aggregate(t *testing.T) {
	ledger, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.RecordBuy(ctx, "s1", "0xc1", "Yes", "o1", 100, 0.40)
	require.NoError(t, err)
	_, err = ledger.RecordBuy(ctx, "s1", "0xc1", "Yes", "o2", 50, 0.50)
	require.NoError(t, err)

	ps, err := ledger.Positions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	p := ps[0]
	assert.InDelta(t, 150.0, p.NetShares, 1e-9)
	assert.InDelta(t, 100*0.40+50*0.50, p.CostBasis, 1e-9)
	assert.InDelta(t, p.CostBasis/150, p.AvgEntry, 1e-9)
	assert.Equal(t, 2, p.OpenLots)

	markets, err := ledger.OpenMarkets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xc1"}, markets)
}
