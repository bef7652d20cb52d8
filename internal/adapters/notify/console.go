package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"polycopy/internal/domain"
	"polycopy/internal/ports"
)

// Console renders periodic account reports and streams lifecycle events
// to a terminal. It only reads storage, never mutates it.
type Console struct {
	out   io.Writer
	store ports.Storage
}

// NewConsole creates a reporter writing to stdout.
func NewConsole(store ports.Storage) *Console {
	return &Console{out: os.Stdout, store: store}
}

// NewConsoleWriter creates a reporter for tests.
func NewConsoleWriter(w io.Writer, store ports.Storage) *Console {
	return &Console{out: w, store: store}
}

// Stream prints every event from the bus until the channel closes or
// the context is cancelled.
func (c *Console) Stream(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.printEvent(ev)
		}
	}
}

func (c *Console) printEvent(ev domain.Event) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	fmt.Fprintf(c.out, "[%s] %s %s strategy=%s", at.Format("15:04:05"), eventIcon(ev.Type), ev.Type, ev.StrategyID)
	if ev.MarketID != "" {
		fmt.Fprintf(c.out, " market=%s", compactID(ev.MarketID, 12))
	}
	if ev.OrderID != "" {
		fmt.Fprintf(c.out, " order=%s", compactID(ev.OrderID, 8))
	}
	if ev.Detail != "" {
		fmt.Fprintf(c.out, " %s", ev.Detail)
	}
	fmt.Fprintln(c.out)
}

// Report prints the balances, open positions and recent orders of every
// strategy.
func (c *Console) Report(ctx context.Context) error {
	strategies, err := c.store.ListStrategies(ctx)
	if err != nil {
		return fmt.Errorf("notify.Report: %w", err)
	}
	if len(strategies) == 0 {
		fmt.Fprintf(c.out, "[%s] no strategies configured\n", time.Now().Format("15:04:05"))
		return nil
	}

	c.printBalances(strategies)

	for _, s := range strategies {
		positions, err := c.store.ListPositions(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("notify.Report: %w", err)
		}
		if len(positions) > 0 {
			c.printPositions(s, positions)
		}

		orders, err := c.store.ListRecentOrders(ctx, s.ID, 5)
		if err != nil {
			return fmt.Errorf("notify.Report: %w", err)
		}
		if len(orders) > 0 {
			c.printOrders(s, orders)
		}
	}
	return nil
}

func (c *Console) printBalances(strategies []domain.Strategy) {
	fmt.Fprintf(c.out, "\n=== BALANCES [%s] ===\n", time.Now().Format("15:04:05"))

	table := tablewriter.NewWriter(c.out)
	table.Header("Strategy", "Trader", "Available", "Locked", "Cooldown", "PnL", "Equity", "State")

	for _, s := range strategies {
		cap := s.Capital
		table.Append(
			s.Name,
			compactID(s.TraderAddress, 10),
			fmt.Sprintf("$%.2f", cap.Available),
			fmt.Sprintf("$%.2f", cap.Locked),
			fmt.Sprintf("$%.2f", cap.Cooldown),
			fmt.Sprintf("%+.2f", cap.RealizedPnL),
			fmt.Sprintf("$%.2f", cap.Equity()),
			strategyState(s),
		)
	}

	table.Render()
}

func (c *Console) printPositions(s domain.Strategy, positions []domain.Position) {
	fmt.Fprintf(c.out, "\n--- positions: %s ---\n", s.Name)

	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Outcome", "Shares", "Avg entry", "Cost basis", "Lots")

	for _, p := range positions {
		table.Append(
			compactID(p.MarketID, 16),
			p.Outcome,
			fmt.Sprintf("%.2f", p.NetShares),
			fmt.Sprintf("$%.4f", p.AvgEntry),
			fmt.Sprintf("$%.2f", p.CostBasis),
			fmt.Sprintf("%d", p.OpenLots),
		)
	}

	table.Render()
}

func (c *Console) printOrders(s domain.Strategy, orders []domain.Order) {
	fmt.Fprintf(c.out, "\n--- recent orders: %s ---\n", s.Name)

	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Side", "Market", "Price", "Size", "Filled", "Status")

	for _, o := range orders {
		status := string(o.Status)
		if o.AuditFlag {
			status += " !"
		}
		table.Append(
			o.PlacedAt.Format("01-02 15:04"),
			string(o.Side),
			compactID(o.MarketID, 16),
			fmt.Sprintf("$%.4f", o.ReqPrice),
			fmt.Sprintf("%.2f", o.ReqSize),
			fmt.Sprintf("%.2f", o.FilledSize),
			status,
		)
	}

	table.Render()
}

func strategyState(s domain.Strategy) string {
	switch {
	case s.Halted:
		return "HALTED"
	case s.RiskState.BreakerActive:
		return "BREAKER"
	case !s.Active:
		return "paused"
	default:
		return "active"
	}
}

func eventIcon(t domain.EventType) string {
	switch t {
	case domain.EventOrderFilled, domain.EventMarketResolved:
		return "[+]"
	case domain.EventOrderLost, domain.EventStrategyHalted, domain.EventBreakerTripped:
		return "[!]"
	default:
		return "[·]"
	}
}

// compactID truncates long hex identifiers for terminal output.
func compactID(id string, max int) string {
	if len(id) <= max {
		return id
	}
	return id[:max-1] + "…"
}
