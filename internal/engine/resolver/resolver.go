package resolver

// The instrument resolver maps (market, outcome) pairs to the exchange's
// tradable token IDs. Lookups hit a TTL cache first, then the
// instruments table, then the exchange; every exchange hit writes
// through both caches so restarts keep working when the metadata API is
// down.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polycopy/internal/domain"
	"polycopy/internal/ports"
)

const defaultTTL = time.Hour

type cacheEntry struct {
	instrumentID string
	fetchedAt    time.Time
}

// Resolver resolves outcome instruments with a memory cache over a
// persistent fallback.
type Resolver struct {
	exchange ports.Exchange
	store    ports.SignalStore
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New creates a Resolver. ttl <= 0 uses the one-hour default.
func New(exchange ports.Exchange, store ports.SignalStore, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Resolver{
		exchange: exchange,
		store:    store,
		ttl:      ttl,
		cache:    make(map[string]cacheEntry),
	}
}

func cacheKey(marketID, outcome string) string {
	return marketID + "|" + outcome
}

// Resolve returns the instrument ID for one market outcome.
func (r *Resolver) Resolve(ctx context.Context, marketID, outcome string) (string, error) {
	key := cacheKey(marketID, outcome)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		return entry.instrumentID, nil
	}

	id, err := r.fetch(ctx, marketID, outcome)
	if err == nil {
		return id, nil
	}

	// Exchange unavailable: fall back to the last persisted mapping.
	// Instrument IDs are stable, staleness is not a correctness risk.
	if stored, storeErr := r.store.LookupInstrument(ctx, marketID, outcome); storeErr == nil && stored != "" {
		slog.Warn("resolver: using persisted instrument, exchange lookup failed",
			"market", marketID, "outcome", outcome, "err", err)
		r.remember(key, stored)
		return stored, nil
	}

	return "", fmt.Errorf("resolver.Resolve %s/%s: %w", marketID, outcome, err)
}

// Metadata returns the full market metadata, cached through the same
// write-through path for its instruments.
func (r *Resolver) Metadata(ctx context.Context, marketID string) (domain.MarketMetadata, error) {
	meta, err := r.exchange.GetMarketMetadata(ctx, marketID)
	if err != nil {
		return domain.MarketMetadata{}, fmt.Errorf("resolver.Metadata %s: %w", marketID, err)
	}
	r.rememberAll(ctx, meta)
	return meta, nil
}

func (r *Resolver) fetch(ctx context.Context, marketID, outcome string) (string, error) {
	meta, err := r.exchange.GetMarketMetadata(ctx, marketID)
	if err != nil {
		return "", err
	}
	r.rememberAll(ctx, meta)

	for _, inst := range meta.Instruments {
		if inst.Outcome == outcome {
			return inst.ID, nil
		}
	}
	return "", fmt.Errorf("market has no outcome %q: %w", outcome, domain.ErrNotFound)
}

func (r *Resolver) rememberAll(ctx context.Context, meta domain.MarketMetadata) {
	for _, inst := range meta.Instruments {
		r.remember(cacheKey(meta.MarketID, inst.Outcome), inst.ID)
		if err := r.store.SaveInstrument(ctx, meta.MarketID, inst.Outcome, inst.ID); err != nil {
			slog.Warn("resolver: persist instrument failed",
				"market", meta.MarketID, "outcome", inst.Outcome, "err", err)
		}
	}
}

func (r *Resolver) remember(key, instrumentID string) {
	r.mu.Lock()
	r.cache[key] = cacheEntry{instrumentID: instrumentID, fetchedAt: time.Now()}
	r.mu.Unlock()
}
