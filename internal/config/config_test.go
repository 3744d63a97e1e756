package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/chainwatch-engine/internal/heuristics"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.True(t, cfg.AutoDetect)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, heuristics.DefaultModelConfig(), cfg.Model)
	assert.Equal(t, heuristics.DefaultRiskWeights(), cfg.Weights)
	assert.Equal(t, heuristics.DefaultFlashLoanConfig(), cfg.FlashLoan)
	assert.Equal(t, heuristics.DefaultWashTradeConfig(), cfg.WashTrade)
	assert.Equal(t, heuristics.DefaultAlertConfig(), cfg.Alerts)
	assert.Equal(t, heuristics.DefaultCycleLimit, cfg.CycleLimit)
	assert.Equal(t, heuristics.DefaultCentralityPivots, cfg.CentralityPivots)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHAINWATCH_DATABASE_URL", "postgres://u:p@localhost/chainwatch")
	t.Setenv("CHAINWATCH_MODEL_CLUSTERS", "3")
	t.Setenv("CHAINWATCH_WEIGHTS_ML", "0.5")
	t.Setenv("CHAINWATCH_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@localhost/chainwatch", cfg.DatabaseURL)
	assert.Equal(t, 3, cfg.Model.Clusters)
	assert.InDelta(t, 0.5, cfg.Weights.ML, 1e-9)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_FlagsOverrideDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("http-addr", ":8000", "")
	flags.Duration("poll-interval", 10*time.Second, "")
	require.NoError(t, flags.Parse([]string{"--http-addr=:9100", "--poll-interval=3s"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTPAddr)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "chainwatch.yaml")
	body := []byte("log-level: debug\nwash-trade:\n  similarity-threshold: 0.9\ngraph:\n  cycle-limit: 50\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.InDelta(t, 0.9, cfg.WashTrade.SimilarityThreshold, 1e-9)
	assert.Equal(t, 50, cfg.CycleLimit)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Model:        heuristics.DefaultModelConfig(),
			Weights:      heuristics.DefaultRiskWeights(),
			FlashLoan:    heuristics.DefaultFlashLoanConfig(),
			WashTrade:    heuristics.DefaultWashTradeConfig(),
			PollInterval: time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero contamination", func(c *Config) { c.Model.Contamination = 0 }, true},
		{"no clusters", func(c *Config) { c.Model.Clusters = 0 }, true},
		{"negative weight", func(c *Config) { c.Weights.Wash = -0.1 }, true},
		{"similarity above one", func(c *Config) { c.WashTrade.SimilarityThreshold = 1.5 }, true},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }, true},
		{"brokers without topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
