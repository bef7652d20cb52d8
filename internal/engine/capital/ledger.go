package capital

// The capital ledger moves cash between the three buckets of a strategy:
// available, locked (backing live orders and open positions) and
// cooldown (realized proceeds held back before they can be re-deployed).
// All moves happen as atomic conditional updates in storage; this
// package adds the invariant check and the halt-on-anomaly policy.

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"polycopy/internal/domain"
	"polycopy/internal/ports"
)

// Ledger wraps the capital store with invariant enforcement.
type Ledger struct {
	store  ports.Storage
	events ports.EventSink
}

// NewLedger creates a Ledger over the given storage.
func NewLedger(store ports.Storage, events ports.EventSink) *Ledger {
	return &Ledger{store: store, events: events}
}

// Lock reserves amount for a new entry, available→locked. Returns
// domain.ErrInsufficientCash without mutating anything when the
// available bucket cannot cover it.
func (l *Ledger) Lock(ctx context.Context, strategyID string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("capital.Lock: amount must be > 0, got %.6f", amount)
	}
	ok, err := l.store.LockCapital(ctx, strategyID, amount)
	if err != nil {
		return fmt.Errorf("capital.Lock: %w", err)
	}
	if !ok {
		return domain.ErrInsufficientCash
	}
	return nil
}

// Unlock reverses a lock for an order rejected before any fill,
// locked→available. Proceeds of actual exits go through Release instead.
func (l *Ledger) Unlock(ctx context.Context, strategyID string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	if err := l.store.UnlockCapital(ctx, strategyID, amount); err != nil {
		return fmt.Errorf("capital.Unlock: %w", err)
	}
	return nil
}

// Release books an exit: invested leaves locked, exitValue enters
// cooldown maturing after cooldownFor, and pnl lands in realized P&L.
func (l *Ledger) Release(ctx context.Context, strategyID string, invested, exitValue, pnl float64, cooldownFor time.Duration) error {
	availableAt := time.Now().UTC().Add(cooldownFor)
	if err := l.store.ReleaseCapital(ctx, strategyID, invested, exitValue, pnl, availableAt); err != nil {
		return fmt.Errorf("capital.Release: %w", err)
	}
	slog.Info("capital: released",
		"strategy", strategyID,
		"invested", fmt.Sprintf("$%.2f", invested),
		"exit_value", fmt.Sprintf("$%.2f", exitValue),
		"pnl", fmt.Sprintf("$%.2f", pnl),
		"available_at", availableAt.Format(time.RFC3339),
	)
	return nil
}

// ProcessCooldowns matures due cooldown entries, cooldown→available.
// Idempotent: each entry releases exactly once.
func (l *Ledger) ProcessCooldowns(ctx context.Context, strategyID string, now time.Time) (float64, error) {
	released, err := l.store.MatureCooldowns(ctx, strategyID, now)
	if err != nil {
		return 0, fmt.Errorf("capital.ProcessCooldowns: %w", err)
	}
	if released > 0 {
		slog.Info("capital: cooldown matured",
			"strategy", strategyID,
			"released", fmt.Sprintf("$%.2f", released),
		)
	}
	return released, nil
}

// CheckInvariant verifies the bucket sum against initial capital plus
// realized P&L. On violation the strategy is halted loudly; the ledger
// never auto-corrects a drifted balance.
func (l *Ledger) CheckInvariant(ctx context.Context, strategyID string) error {
	cap, err := l.store.GetCapital(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("capital.CheckInvariant: %w", err)
	}
	if err := cap.CheckInvariant(); err != nil {
		reason := fmt.Sprintf("capital invariant violated: %v", err)
		slog.Error("capital: invariant violated, halting strategy",
			"strategy", strategyID, "err", err)
		if haltErr := l.store.HaltStrategy(ctx, strategyID, reason); haltErr != nil {
			return fmt.Errorf("capital.CheckInvariant: halt failed: %w (original: %v)", haltErr, err)
		}
		l.events.Publish(domain.Event{
			Type:       domain.EventStrategyHalted,
			StrategyID: strategyID,
			Detail:     reason,
			At:         time.Now().UTC(),
		})
		return fmt.Errorf("capital.CheckInvariant: %w", err)
	}
	return nil
}
