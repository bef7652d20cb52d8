package risk

// The risk evaluator decides whether one proposed entry may proceed.
// It is pure: it reads the strategy snapshot it is given and returns a
// decision, it never mutates state or touches storage. Checks run in a
// fixed order so a denial reason is deterministic for a given state.

import (
	"fmt"
	"time"

	"polycopy/internal/domain"
)

// Decision is the outcome of one evaluation. Reason is human-readable
// and names the limit and the amounts involved.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate checks a proposed entry of cost USDC against the strategy's
// limits. Check order: available cash, per-trade cap, total exposure,
// daily budget, loss breakers, drawdown. The cash check is the hard
// physical constraint and runs before every soft limit.
// A nil limit means no limit.
func Evaluate(st domain.Strategy, cost float64, now time.Time) Decision {
	if st.Halted {
		return deny("strategy halted: %s", st.HaltReason)
	}

	rs := st.RiskState
	rs.ResetIfNewDay(now)

	capState := st.Capital
	if cost > capState.Available {
		return deny("insufficient available cash: need $%.2f, have $%.2f", cost, capState.Available)
	}

	rc := st.Risk
	if rc.MaxPositionSize != nil && cost > *rc.MaxPositionSize {
		return deny("trade $%.2f exceeds max position size $%.2f", cost, *rc.MaxPositionSize)
	}

	// Exposure is measured against locked capital, not equity: cooldown
	// cash is not at risk.
	if rc.MaxTotalExposure != nil && capState.Locked+cost > *rc.MaxTotalExposure {
		return deny("exposure $%.2f + trade $%.2f exceeds max total exposure $%.2f",
			capState.Locked, cost, *rc.MaxTotalExposure)
	}

	if rc.DailyBudget != nil && rs.DailySpend+cost > *rc.DailyBudget {
		return deny("daily spend $%.2f + trade $%.2f exceeds daily budget $%.2f",
			rs.DailySpend, cost, *rc.DailyBudget)
	}

	// A tripped breaker denies everything until cleared or expiry.
	if !rs.BreakerOpen(now) {
		until := "manual reset"
		if !rs.BreakerUntil.IsZero() {
			until = rs.BreakerUntil.UTC().Format(time.RFC3339)
		}
		return deny("circuit breaker active until %s: %s", until, rs.BreakerReason)
	}

	if rc.MaxDailyLoss != nil && rs.DailyLoss >= *rc.MaxDailyLoss {
		return deny("daily loss $%.2f reached max daily loss $%.2f",
			rs.DailyLoss, *rc.MaxDailyLoss)
	}

	if rc.MaxConsecutiveLosses != nil && rs.ConsecutiveLosses >= *rc.MaxConsecutiveLosses {
		return deny("%d consecutive losses reached limit %d",
			rs.ConsecutiveLosses, *rc.MaxConsecutiveLosses)
	}

	if rc.MaxDrawdownPct != nil {
		dd := rs.DrawdownPct(capState.Equity())
		if dd >= *rc.MaxDrawdownPct {
			return deny("drawdown %.1f%% from peak $%.2f reached limit %.1f%%",
				dd*100, rs.PeakEquity, *rc.MaxDrawdownPct*100)
		}
	}

	return allow()
}

// ShouldTripBreaker inspects the post-trade risk state and returns the
// reason a breaker should activate, or "" when none applies. Called
// after recording a realized loss.
func ShouldTripBreaker(rc domain.RiskConfig, rs domain.RiskState, equity float64) string {
	if rc.MaxDailyLoss != nil && rs.DailyLoss >= *rc.MaxDailyLoss {
		return fmt.Sprintf("daily loss $%.2f reached max daily loss $%.2f", rs.DailyLoss, *rc.MaxDailyLoss)
	}
	if rc.MaxConsecutiveLosses != nil && rs.ConsecutiveLosses >= *rc.MaxConsecutiveLosses {
		return fmt.Sprintf("%d consecutive losses reached limit %d", rs.ConsecutiveLosses, *rc.MaxConsecutiveLosses)
	}
	if rc.MaxDrawdownPct != nil && rs.DrawdownPct(equity) >= *rc.MaxDrawdownPct {
		return fmt.Sprintf("drawdown %.1f%% reached limit %.1f%%",
			rs.DrawdownPct(equity)*100, *rc.MaxDrawdownPct*100)
	}
	return ""
}
