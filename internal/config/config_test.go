package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "expand single env var",
			input:    "api_key: ${TEST_API_KEY}",
			envVars:  map[string]string{"TEST_API_KEY": "test_key_123"},
			expected: "api_key: test_key_123",
		},
		{
			name:     "missing env var with default falls back",
			input:    "log_level: ${TEST_MISSING_LEVEL:-INFO}",
			envVars:  map[string]string{},
			expected: "log_level: INFO",
		},
		{
			name:     "missing env var with no default expands empty",
			input:    "api_key: ${TEST_MISSING_KEY}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}
			assert.Equal(t, tt.expected, expandEnvVars(tt.input))
		})
	}
}

func TestLoad(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	content := `
app:
  log_level: "DEBUG"
exchange:
  base_url: "https://www.okx.com"
  simulation_mode: true
trading:
  trading_amount_usdt: 20
  instrument_limits_path: "instruments.yaml"
`
	_, err = tmpFile.WriteString(content)
	require.NoError(t, err)
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.App.LogLevel)
	assert.True(t, cfg.Exchange.SimulationMode)
	assert.Equal(t, 60, cfg.Timing.OrderTimeoutSeconds)
	assert.Equal(t, "orders.db", cfg.Database.DSN)
}

func TestValidate_RequiresCredentialsOutsideSimulation(t *testing.T) {
	cfg := &Config{
		Trading: TradingConfig{TradingAmountUSDT: 10, InstrumentLimitsPath: "x.yaml"},
		App:     AppConfig{LogLevel: "INFO"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestValidate_ZeroTradingAmountRejected(t *testing.T) {
	cfg := &Config{
		Trading: TradingConfig{TradingAmountUSDT: 0, InstrumentLimitsPath: "x.yaml"},
		App:     AppConfig{LogLevel: "INFO"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading_amount_usdt")
}
