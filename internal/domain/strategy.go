package domain

import (
	"fmt"
	"math"
	"time"
)

// balanceTolerance absorbs float64 accumulation error in the capital
// invariant check. Amounts are USDC, so 1e-6 is far below one cent.
const balanceTolerance = 1e-6

// Strategy is one copy-trading account: it mirrors the trades of a single
// external wallet with its own capital pool and risk limits.
type Strategy struct {
	ID            string
	Name          string
	TraderAddress string // wallet being copied
	Active        bool
	Halted        bool // set on ledger anomaly, requires manual reset
	HaltReason    string

	Capital   CapitalState
	Risk      RiskConfig
	RiskState RiskState
	Exec      ExecConfig

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CapitalState tracks the three cash buckets plus lifetime realized P&L.
// Invariant: Available + Locked + Cooldown == Initial + RealizedPnL.
type CapitalState struct {
	Initial     float64
	Available   float64
	Locked      float64
	Cooldown    float64
	RealizedPnL float64
}

// CheckInvariant returns an error if the bucket sum has drifted from
// initial capital plus realized P&L. A non-nil result is a fatal
// condition for the strategy, never something to auto-correct.
func (c CapitalState) CheckInvariant() error {
	sum := c.Available + c.Locked + c.Cooldown
	want := c.Initial + c.RealizedPnL
	if math.Abs(sum-want) > balanceTolerance {
		return fmt.Errorf("capital buckets $%.6f != initial+pnl $%.6f (available=%.6f locked=%.6f cooldown=%.6f)",
			sum, want, c.Available, c.Locked, c.Cooldown)
	}
	if c.Available < -balanceTolerance || c.Locked < -balanceTolerance || c.Cooldown < -balanceTolerance {
		return fmt.Errorf("negative capital bucket (available=%.6f locked=%.6f cooldown=%.6f)",
			c.Available, c.Locked, c.Cooldown)
	}
	return nil
}

// Equity is total account value ignoring unrealized open-position marks.
func (c CapitalState) Equity() float64 {
	return c.Available + c.Locked + c.Cooldown
}

// RiskConfig holds the per-strategy limits. A nil field means no limit —
// never an implicit default.
type RiskConfig struct {
	MaxPositionSize      *float64 `yaml:"max_position_size"`
	MaxTotalExposure     *float64 `yaml:"max_total_exposure"`
	DailyBudget          *float64 `yaml:"daily_budget"`
	MaxDailyLoss         *float64 `yaml:"max_daily_loss"`
	MaxConsecutiveLosses *int     `yaml:"max_consecutive_losses"`
	MaxDrawdownPct       *float64 `yaml:"max_drawdown_pct"`

	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Validate rejects nonsensical limit values at load time.
func (rc RiskConfig) Validate() error {
	if rc.MaxPositionSize != nil && *rc.MaxPositionSize <= 0 {
		return fmt.Errorf("max_position_size must be > 0, got %.2f", *rc.MaxPositionSize)
	}
	if rc.MaxTotalExposure != nil && *rc.MaxTotalExposure <= 0 {
		return fmt.Errorf("max_total_exposure must be > 0, got %.2f", *rc.MaxTotalExposure)
	}
	if rc.DailyBudget != nil && *rc.DailyBudget <= 0 {
		return fmt.Errorf("daily_budget must be > 0, got %.2f", *rc.DailyBudget)
	}
	if rc.MaxDailyLoss != nil && *rc.MaxDailyLoss <= 0 {
		return fmt.Errorf("max_daily_loss must be > 0, got %.2f", *rc.MaxDailyLoss)
	}
	if rc.MaxConsecutiveLosses != nil && *rc.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("max_consecutive_losses must be > 0, got %d", *rc.MaxConsecutiveLosses)
	}
	if rc.MaxDrawdownPct != nil && (*rc.MaxDrawdownPct <= 0 || *rc.MaxDrawdownPct > 1) {
		return fmt.Errorf("max_drawdown_pct must be in (0,1], got %.4f", *rc.MaxDrawdownPct)
	}
	return nil
}

// RiskState is the mutable side of risk: daily counters and breaker state.
// Day is the UTC date ("2006-01-02") the daily counters belong to.
type RiskState struct {
	Day               string
	DailySpend        float64
	DailyLoss         float64
	ConsecutiveLosses int
	PeakEquity        float64
	BreakerActive     bool
	BreakerReason     string
	BreakerUntil      time.Time
}

// ResetIfNewDay zeroes the daily counters when the UTC day has rolled over.
func (rs *RiskState) ResetIfNewDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if rs.Day != day {
		rs.Day = day
		rs.DailySpend = 0
		rs.DailyLoss = 0
	}
}

// BreakerOpen reports whether trading is currently allowed by the breaker.
// An expired breaker no longer blocks but stays recorded until cleared.
func (rs *RiskState) BreakerOpen(now time.Time) bool {
	if !rs.BreakerActive {
		return true
	}
	return !rs.BreakerUntil.IsZero() && now.After(rs.BreakerUntil)
}

// TripBreaker activates the breaker with a reason. A zero cooldown means
// the breaker holds until explicitly cleared.
func (rs *RiskState) TripBreaker(reason string, now time.Time, cooldown time.Duration) {
	rs.BreakerActive = true
	rs.BreakerReason = reason
	if cooldown > 0 {
		rs.BreakerUntil = now.Add(cooldown)
	} else {
		rs.BreakerUntil = time.Time{}
	}
}

// ClearBreaker resets the breaker after manual review or expiry.
func (rs *RiskState) ClearBreaker() {
	rs.BreakerActive = false
	rs.BreakerReason = ""
	rs.BreakerUntil = time.Time{}
}

// RecordWin resets the consecutive loss counter and marks equity.
func (rs *RiskState) RecordWin(equity float64) {
	rs.ConsecutiveLosses = 0
	rs.MarkEquity(equity)
}

// RecordLoss accumulates the daily loss counter. loss is a positive amount.
func (rs *RiskState) RecordLoss(loss, equity float64, now time.Time) {
	rs.ResetIfNewDay(now)
	rs.ConsecutiveLosses++
	rs.DailyLoss += loss
	rs.MarkEquity(equity)
}

// MarkEquity updates the peak equity high-water mark.
func (rs *RiskState) MarkEquity(equity float64) {
	if equity > rs.PeakEquity {
		rs.PeakEquity = equity
	}
}

// DrawdownPct is the fractional decline from peak equity (0 when at peak).
func (rs *RiskState) DrawdownPct(equity float64) float64 {
	if rs.PeakEquity <= 0 {
		return 0
	}
	dd := (rs.PeakEquity - equity) / rs.PeakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// ExecConfig controls how signals translate into orders.
type ExecConfig struct {
	CopyRatio         float64       `yaml:"copy_ratio"`         // fraction of the copied trade's size
	SlippageTolerance float64       `yaml:"slippage_tolerance"` // max price deviation accepted on entry
	OrderType         string        `yaml:"order_type"`         // FOK or GTC
	CooldownDuration  time.Duration `yaml:"cooldown_duration"`  // realized proceeds hold-back
}
