package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polycopy/internal/domain"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

const minimalYAML = `
strategies:
  - id: "s1"
    trader_address: "0xabc"
    initial_capital: 1000
    exec:
      copy_ratio: 0.1
`

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.CopyInterval())
	assert.Equal(t, 5*time.Minute, cfg.ResolutionInterval())
	assert.Equal(t, 10*time.Minute, cfg.RecencyWindow())
	assert.Equal(t, time.Hour, cfg.ResolverTTL())
	assert.Equal(t, "https://clob.polymarket.com", cfg.API.CLOBBase)
	assert.Equal(t, "polycopy.db", cfg.Storage.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_StrategyToDomain(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
strategies:
  - id: "s1"
    name: "Whale"
    trader_address: "0xabc"
    initial_capital: 500
    risk:
      max_position_size: 50
      breaker_cooldown_minutes: 30
    exec:
      copy_ratio: 0.2
      slippage_tolerance: 0.02
      cooldown_minutes: 90
`))
	require.NoError(t, err)
	require.Len(t, cfg.Strategies, 1)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := cfg.Strategies[0].ToStrategy(now)
	assert.Equal(t, "Whale", st.Name)
	assert.True(t, st.Active)
	assert.InDelta(t, 500, st.Capital.Initial, 1e-9)
	assert.InDelta(t, 500, st.Capital.Available, 1e-9)
	require.NotNil(t, st.Risk.MaxPositionSize)
	assert.InDelta(t, 50, *st.Risk.MaxPositionSize, 1e-9)
	assert.Nil(t, st.Risk.DailyBudget, "absent limit stays nil")
	assert.Equal(t, 30*time.Minute, st.Risk.BreakerCooldown)
	assert.Equal(t, string(domain.OrderTypeFOK), st.Exec.OrderType)
	assert.Equal(t, 90*time.Minute, st.Exec.CooldownDuration)
	assert.Equal(t, "2026-03-01", st.RiskState.Day)
}

func TestApplyTo_PreservesRuntimeState(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	now := time.Now().UTC()
	existing := cfg.Strategies[0].ToStrategy(now.Add(-24 * time.Hour))
	existing.Capital = domain.CapitalState{Initial: 1000, Available: 400, Locked: 300, Cooldown: 350, RealizedPnL: 50}
	existing.RiskState.ConsecutiveLosses = 2

	updated := cfg.Strategies[0].ApplyTo(existing, now)
	assert.InDelta(t, 400, updated.Capital.Available, 1e-9)
	assert.InDelta(t, 50, updated.Capital.RealizedPnL, 1e-9)
	assert.Equal(t, 2, updated.RiskState.ConsecutiveLosses)
	assert.Equal(t, now, updated.UpdatedAt)
}

func TestApplyTo_HaltedStaysInactive(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	now := time.Now().UTC()
	existing := cfg.Strategies[0].ToStrategy(now)
	existing.Halted = true

	updated := cfg.Strategies[0].ApplyTo(existing, now)
	assert.False(t, updated.Active, "halt wins over config")
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing trader", `
strategies:
  - id: "s1"
    initial_capital: 100
    exec: {copy_ratio: 0.1}
`, "trader_address is required"},
		{"zero capital", `
strategies:
  - id: "s1"
    trader_address: "0xabc"
    exec: {copy_ratio: 0.1}
`, "initial_capital"},
		{"copy ratio above 1", `
strategies:
  - id: "s1"
    trader_address: "0xabc"
    initial_capital: 100
    exec: {copy_ratio: 1.5}
`, "copy_ratio"},
		{"bad order type", `
strategies:
  - id: "s1"
    trader_address: "0xabc"
    initial_capital: 100
    exec: {copy_ratio: 0.1, order_type: "IOC"}
`, "order_type"},
		{"duplicate id", `
strategies:
  - id: "s1"
    trader_address: "0xabc"
    initial_capital: 100
    exec: {copy_ratio: 0.1}
  - id: "s1"
    trader_address: "0xdef"
    initial_capital: 100
    exec: {copy_ratio: 0.1}
`, "duplicate id"},
		{"negative limit", `
strategies:
  - id: "s1"
    trader_address: "0xabc"
    initial_capital: 100
    risk: {max_position_size: -5}
    exec: {copy_ratio: 0.1}
`, "max_position_size"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
