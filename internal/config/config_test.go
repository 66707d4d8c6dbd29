package config

import (
	"os"
	"path/filepath"
	"strings"
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
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret_key: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret_key: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "min_score: 7\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "min_score: 7\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "test_api_key_0123456789abcdef"
	cfg.Exchange.SecretKey = "test_secret_key_0123456789abcdef"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	t.Run("defaults with credentials pass", func(t *testing.T) {
		cfg := validTestConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing api key", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Exchange.APIKey = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange.api_key")
	})

	t.Run("api key too short", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Exchange.APIKey = "short_key"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange.api_key")
		assert.Contains(t, err.Error(), "at least 20 characters")
	})

	t.Run("placeholder secret key", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Exchange.SecretKey = "YOUR_SECRET_KEY_GOES_HERE_XX"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange.secret_key")
		assert.Contains(t, err.Error(), "placeholder")
	})

	t.Run("unexpanded env reference in api key", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Exchange.APIKey = "${BINANCE_API_KEY}_padding_to_len"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange.api_key")
	})

	t.Run("lowercase symbol", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Trading.Symbols = []string{"btcusdt"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "trading.symbols")
		assert.Contains(t, err.Error(), "uppercase")
	})

	t.Run("symbol too long", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Trading.Symbols = []string{"VERYLONGBASEUSDT"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "trading.symbols")
	})

	t.Run("report aggregates multiple failures", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Exchange.APIKey = "short_key"
		cfg.Trading.Symbols = []string{"btcusdt"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange.api_key")
		assert.Contains(t, err.Error(), "trading.symbols")
	})

	t.Run("symbol not quoted in quote currency", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Trading.Symbols = []string{"BTCEUR"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "trading.symbols")
	})

	t.Run("min score above attainable total", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Strategy.MinScore = 20
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "strategy.min_score")
	})

	t.Run("rate limit margin out of range", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Exchange.RateLimitMargin = 1.5
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate_limit_margin")
	})

	t.Run("market threshold above twap threshold", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.Execution.MarketOrderThreshold = 6000
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "market_order_threshold")
	})

	t.Run("invalid log level", func(t *testing.T) {
		cfg := validTestConfig()
		cfg.System.LogLevel = "VERBOSE"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "system.log_level")
	})
}

func TestLoadConfig(t *testing.T) {
	yamlContent := `
exchange:
  api_key: ${SPOT_TEST_API_KEY}
  secret_key: ${SPOT_TEST_SECRET_KEY}
  testnet: true
trading:
  symbols: ["BTCUSDT", "SOLUSDT"]
strategy:
  min_score: 6
system:
  log_level: DEBUG
`
	os.Setenv("SPOT_TEST_API_KEY", "abc123abc123abc123abc123")
	os.Setenv("SPOT_TEST_SECRET_KEY", "def456def456def456def456")
	defer os.Unsetenv("SPOT_TEST_API_KEY")
	defer os.Unsetenv("SPOT_TEST_SECRET_KEY")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "abc123abc123abc123abc123", cfg.Exchange.APIKey)
	assert.True(t, cfg.Exchange.Testnet)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, cfg.Trading.Symbols)
	assert.Equal(t, 6.0, cfg.Strategy.MinScore)
	assert.Equal(t, "DEBUG", cfg.System.LogLevel)

	// Defaults survive a partial file
	assert.Equal(t, 5, cfg.Risk.MaxOpenPositions)
	assert.Equal(t, 5000.0, cfg.Execution.TWAPThreshold)
	assert.Equal(t, "/tmp/KILL_SWITCH", cfg.Emergency.KillSwitchPath)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := validTestConfig()
	cfg.Exchange.APIKey = "super_secret_api_key_value"
	cfg.Exchange.SecretKey = "super_secret_key_material"

	out := cfg.String()
	assert.NotContains(t, out, "super_secret_api_key_value")
	assert.NotContains(t, out, "super_secret_key_material")
	assert.True(t, strings.Contains(out, "supe") && strings.Contains(out, "****"))
}

func TestMaskString(t *testing.T) {
	assert.Equal(t, "********", maskString("12345678"))
	assert.Equal(t, "abcd********wxyz", maskString("abcd12345678wxyz"))
	assert.Equal(t, "", maskString(""))
}
