package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"polycopy/internal/domain"
	"polycopy/internal/ports"
)

type handlers struct {
	store ports.Storage
}

// strategySummary is the list-view projection of a strategy.
type strategySummary struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Trader      string  `json:"trader"`
	State       string  `json:"state"`
	Available   float64 `json:"available"`
	Locked      float64 `json:"locked"`
	Cooldown    float64 `json:"cooldown"`
	RealizedPnL float64 `json:"realized_pnl"`
	Equity      float64 `json:"equity"`
}

type strategyDetail struct {
	strategySummary
	HaltReason string                 `json:"halt_reason,omitempty"`
	Initial    float64                `json:"initial"`
	Risk       riskView               `json:"risk"`
	Exec       execView               `json:"exec"`
	Cooldowns  []domain.CooldownEntry `json:"cooldowns"`
}

type riskView struct {
	MaxPositionSize      *float64  `json:"max_position_size,omitempty"`
	MaxTotalExposure     *float64  `json:"max_total_exposure,omitempty"`
	DailyBudget          *float64  `json:"daily_budget,omitempty"`
	MaxDailyLoss         *float64  `json:"max_daily_loss,omitempty"`
	MaxConsecutiveLosses *int      `json:"max_consecutive_losses,omitempty"`
	MaxDrawdownPct       *float64  `json:"max_drawdown_pct,omitempty"`
	Day                  string    `json:"day"`
	DailySpend           float64   `json:"daily_spend"`
	DailyLoss            float64   `json:"daily_loss"`
	ConsecutiveLosses    int       `json:"consecutive_losses"`
	PeakEquity           float64   `json:"peak_equity"`
	DrawdownPct          float64   `json:"drawdown_pct"`
	BreakerActive        bool      `json:"breaker_active"`
	BreakerReason        string    `json:"breaker_reason,omitempty"`
	BreakerUntil         time.Time `json:"breaker_until,omitzero"`
}

type execView struct {
	CopyRatio         float64 `json:"copy_ratio"`
	SlippageTolerance float64 `json:"slippage_tolerance"`
	OrderType         string  `json:"order_type"`
	CooldownDuration  string  `json:"cooldown_duration"`
}

func summarize(s domain.Strategy) strategySummary {
	state := "active"
	switch {
	case s.Halted:
		state = "halted"
	case s.RiskState.BreakerActive:
		state = "breaker"
	case !s.Active:
		state = "paused"
	}
	return strategySummary{
		ID:          s.ID,
		Name:        s.Name,
		Trader:      s.TraderAddress,
		State:       state,
		Available:   s.Capital.Available,
		Locked:      s.Capital.Locked,
		Cooldown:    s.Capital.Cooldown,
		RealizedPnL: s.Capital.RealizedPnL,
		Equity:      s.Capital.Equity(),
	}
}

func riskOf(s domain.Strategy) riskView {
	return riskView{
		MaxPositionSize:      s.Risk.MaxPositionSize,
		MaxTotalExposure:     s.Risk.MaxTotalExposure,
		DailyBudget:          s.Risk.DailyBudget,
		MaxDailyLoss:         s.Risk.MaxDailyLoss,
		MaxConsecutiveLosses: s.Risk.MaxConsecutiveLosses,
		MaxDrawdownPct:       s.Risk.MaxDrawdownPct,
		Day:                  s.RiskState.Day,
		DailySpend:           s.RiskState.DailySpend,
		DailyLoss:            s.RiskState.DailyLoss,
		ConsecutiveLosses:    s.RiskState.ConsecutiveLosses,
		PeakEquity:           s.RiskState.PeakEquity,
		DrawdownPct:          s.RiskState.DrawdownPct(s.Capital.Equity()),
		BreakerActive:        s.RiskState.BreakerActive,
		BreakerReason:        s.RiskState.BreakerReason,
		BreakerUntil:         s.RiskState.BreakerUntil,
	}
}

func (h *handlers) listStrategies(c *gin.Context) {
	strategies, err := h.store.ListStrategies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]strategySummary, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, summarize(s))
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

func (h *handlers) getStrategy(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	cooldowns, err := h.store.ListCooldownEntries(c.Request.Context(), s.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, strategyDetail{
		strategySummary: summarize(s),
		HaltReason:      s.HaltReason,
		Initial:         s.Capital.Initial,
		Risk:            riskOf(s),
		Exec: execView{
			CopyRatio:         s.Exec.CopyRatio,
			SlippageTolerance: s.Exec.SlippageTolerance,
			OrderType:         s.Exec.OrderType,
			CooldownDuration:  s.Exec.CooldownDuration.String(),
		},
		Cooldowns: cooldowns,
	})
}

func (h *handlers) listPositions(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	positions, err := h.store.ListPositions(c.Request.Context(), s.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (h *handlers) listOrders(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	orders, err := h.store.ListRecentOrders(c.Request.Context(), s.ID, limitParam(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *handlers) getRisk(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, riskOf(s))
}

func (h *handlers) listExits(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	exits, err := h.store.ListExitSignals(c.Request.Context(), s.ID, limitParam(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exits": exits})
}

func (h *handlers) listExecutionLog(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	records, err := h.store.ListExecutionRecords(c.Request.Context(), s.ID, limitParam(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// clearBreaker resets a tripped circuit breaker. The only write exposed
// over HTTP: breakers with no cooldown stay tripped until an operator
// calls this.
func (h *handlers) clearBreaker(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	if !s.RiskState.BreakerActive {
		c.JSON(http.StatusConflict, gin.H{"error": "breaker is not active"})
		return
	}
	s.RiskState.ClearBreaker()
	if err := h.store.UpdateRiskState(c.Request.Context(), s.ID, s.RiskState); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (h *handlers) lookup(c *gin.Context) (domain.Strategy, bool) {
	s, err := h.store.GetStrategy(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return domain.Strategy{}, false
	}
	return s, true
}

func limitParam(c *gin.Context, def int) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if limit <= 0 {
		limit = def
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}
