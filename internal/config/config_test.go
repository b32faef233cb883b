package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"mt5-risk-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := writeFile(t, "agent.json", `{
		"symbol": "XAUUSD",
		"mode": "grid",
		"risk": {"max_grid_levels": 3, "grid_step_points": 80}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "XAUUSD", cfg.Symbol)
	assert.Equal(t, ModeGrid, cfg.Mode)
	assert.Equal(t, 3, cfg.Policy.MaxGridLevels)
	assert.Equal(t, 80.0, cfg.Policy.GridStepPoints)
	// untouched fields keep their defaults
	assert.Equal(t, 2.0, cfg.Policy.RiskPercentPerTrade)
	assert.Equal(t, 2.0, cfg.Policy.MartingaleMultiplier)
	assert.Equal(t, 3, cfg.Gateway.RetryAttempts)
	assert.Equal(t, 6, cfg.Policy.OrderCap())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
symbol: GBPUSD
mode: martingale
risk:
  martingale_multiplier: 1.5
  max_martingale_trades: 4
  martingale_progression: on_fill
broker:
  kind: paper
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "GBPUSD", cfg.Symbol)
	assert.Equal(t, 1.5, cfg.Policy.MartingaleMultiplier)
	assert.Equal(t, 4, cfg.Policy.MaxMartingaleTrades)
	assert.Equal(t, models.ProgressOnFill, cfg.Policy.MartingaleProgression)
	assert.Equal(t, "paper", cfg.Broker.Kind)
	assert.Equal(t, 10000.0, cfg.Broker.Paper.Balance)
}

func TestLoadEnvironmentWins(t *testing.T) {
	path := writeFile(t, "agent.json", `{"symbol": "EURUSD", "broker": {"base_url": "http://file"}}`)
	t.Setenv(EnvBridgeURL, "http://env")
	t.Setenv(EnvBridgeAPIKey, "secret")
	t.Setenv(EnvSymbol, "USDJPY")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env", cfg.Broker.BaseURL)
	assert.Equal(t, "secret", cfg.Broker.APIKey)
	assert.Equal(t, "USDJPY", cfg.Symbol)
}

func TestLoadRejectsUnknownJSONField(t *testing.T) {
	path := writeFile(t, "agent.json", `{"risk": {"risk_pct": 1}}`)

	_, err := Load(path)
	var cfgErr *models.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Symbol = ""
	cfg.Mode = "scalp"
	cfg.Policy.RiskPercentPerTrade = 0
	cfg.Policy.MartingaleMultiplier = 0.5
	cfg.Policy.ProfitTriggerPercent = 3
	cfg.DayTimezone = "Mars/Olympus"

	err := Validate(cfg)
	var cfgErr *models.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Len(t, cfgErr.Problems, 6)
	assert.Contains(t, err.Error(), "symbol is required")
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}
