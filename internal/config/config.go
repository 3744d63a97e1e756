package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rawblock/chainwatch-engine/internal/heuristics"
	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel       string
	HTTPAddr       string
	DatabaseURL    string
	AllowedOrigins []string
	APIAuthToken   string
	RateLimitRPS   float64
	RateLimitBurst int

	PollInterval time.Duration
	AutoDetect   bool

	OTLPEndpoint string

	KafkaBrokers []string
	KafkaTopic   string

	WebhookURL         string
	WebhookMinSeverity string

	Model     heuristics.ModelConfig
	Weights   heuristics.RiskWeights
	FlashLoan heuristics.FlashLoanConfig
	WashTrade heuristics.WashTradeConfig
	Alerts    heuristics.AlertConfig

	CycleMaxLength   int
	CycleLimit       int
	CentralityTopN   int
	CentralityPivots int
}

// Load merges .env, config file, environment variables, and flags into Config.
// Environment keys use the CHAINWATCH_ prefix with dashes mapped to underscores,
// e.g. CHAINWATCH_DATABASE_URL.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHAINWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		LogLevel:       v.GetString("log-level"),
		HTTPAddr:       v.GetString("http-addr"),
		DatabaseURL:    v.GetString("database-url"),
		AllowedOrigins: getStringSlice(v, "allowed-origins"),
		APIAuthToken:   v.GetString("api-auth-token"),
		RateLimitRPS:   v.GetFloat64("rate-limit-rps"),
		RateLimitBurst: v.GetInt("rate-limit-burst"),

		PollInterval: v.GetDuration("poll-interval"),
		AutoDetect:   v.GetBool("auto-detect"),

		OTLPEndpoint: v.GetString("otlp-endpoint"),

		KafkaBrokers: getStringSlice(v, "kafka-brokers"),
		KafkaTopic:   v.GetString("kafka-topic"),

		WebhookURL:         v.GetString("webhook-url"),
		WebhookMinSeverity: v.GetString("webhook-min-severity"),

		Model: heuristics.ModelConfig{
			Contamination:  v.GetFloat64("model.contamination"),
			Clusters:       v.GetInt("model.clusters"),
			Trees:          v.GetInt("model.trees"),
			SampleSize:     v.GetInt("model.sample-size"),
			Seed:           v.GetInt64("model.seed"),
			KMeansRestarts: v.GetInt("model.kmeans-restarts"),
			KMeansMaxIter:  v.GetInt("model.kmeans-max-iter"),
		},
		Weights: heuristics.RiskWeights{
			ML:    v.GetFloat64("weights.ml"),
			Graph: v.GetFloat64("weights.graph"),
			Flash: v.GetFloat64("weights.flash"),
			Wash:  v.GetFloat64("weights.wash"),
		},
		FlashLoan: heuristics.FlashLoanConfig{
			Tolerance: v.GetFloat64("flash-loan.tolerance"),
			MinValue:  v.GetFloat64("flash-loan.min-value"),
		},
		WashTrade: heuristics.WashTradeConfig{
			SimilarityThreshold: v.GetFloat64("wash-trade.similarity-threshold"),
		},
		Alerts: heuristics.AlertConfig{
			Threshold:      v.GetFloat64("alerts.threshold"),
			MaxHistory:     v.GetInt("alerts.max-history"),
			WebhookTimeout: v.GetDuration("alerts.webhook-timeout"),
		},

		CycleMaxLength:   v.GetInt("graph.cycle-max-length"),
		CycleLimit:       v.GetInt("graph.cycle-limit"),
		CentralityTopN:   v.GetInt("graph.centrality-top"),
		CentralityPivots: v.GetInt("graph.centrality-pivots"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	model := heuristics.DefaultModelConfig()
	weights := heuristics.DefaultRiskWeights()
	flash := heuristics.DefaultFlashLoanConfig()
	wash := heuristics.DefaultWashTradeConfig()
	alerts := heuristics.DefaultAlertConfig()

	v.SetDefault("log-level", "info")
	v.SetDefault("http-addr", ":8000")
	v.SetDefault("allowed-origins", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("rate-limit-rps", 20.0)
	v.SetDefault("rate-limit-burst", 40)
	v.SetDefault("poll-interval", 10*time.Second)
	v.SetDefault("auto-detect", true)
	v.SetDefault("kafka-topic", "chainwatch.alerts")
	v.SetDefault("webhook-min-severity", models.SeverityHigh)

	v.SetDefault("model.contamination", model.Contamination)
	v.SetDefault("model.clusters", model.Clusters)
	v.SetDefault("model.trees", model.Trees)
	v.SetDefault("model.sample-size", model.SampleSize)
	v.SetDefault("model.seed", model.Seed)
	v.SetDefault("model.kmeans-restarts", model.KMeansRestarts)
	v.SetDefault("model.kmeans-max-iter", model.KMeansMaxIter)

	v.SetDefault("weights.ml", weights.ML)
	v.SetDefault("weights.graph", weights.Graph)
	v.SetDefault("weights.flash", weights.Flash)
	v.SetDefault("weights.wash", weights.Wash)

	v.SetDefault("flash-loan.tolerance", flash.Tolerance)
	v.SetDefault("flash-loan.min-value", flash.MinValue)
	v.SetDefault("wash-trade.similarity-threshold", wash.SimilarityThreshold)

	v.SetDefault("alerts.threshold", alerts.Threshold)
	v.SetDefault("alerts.max-history", alerts.MaxHistory)
	v.SetDefault("alerts.webhook-timeout", alerts.WebhookTimeout)

	v.SetDefault("graph.cycle-max-length", heuristics.DefaultCycleMaxLength)
	v.SetDefault("graph.cycle-limit", heuristics.DefaultCycleLimit)
	v.SetDefault("graph.centrality-top", heuristics.DefaultCentralityTopN)
	v.SetDefault("graph.centrality-pivots", heuristics.DefaultCentralityPivots)
}

// Validate rejects settings the detectors cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Model.Contamination <= 0 || c.Model.Contamination > 0.5:
		return fmt.Errorf("model.contamination must be in (0, 0.5], got %v", c.Model.Contamination)
	case c.Model.Clusters < 1:
		return fmt.Errorf("model.clusters must be >= 1, got %d", c.Model.Clusters)
	case c.Model.Trees < 1:
		return fmt.Errorf("model.trees must be >= 1, got %d", c.Model.Trees)
	case c.Weights.ML < 0 || c.Weights.Graph < 0 || c.Weights.Flash < 0 || c.Weights.Wash < 0:
		return fmt.Errorf("risk weights must be non-negative")
	case c.FlashLoan.Tolerance < 0:
		return fmt.Errorf("flash-loan.tolerance must be non-negative")
	case c.WashTrade.SimilarityThreshold < 0 || c.WashTrade.SimilarityThreshold > 1:
		return fmt.Errorf("wash-trade.similarity-threshold must be in [0, 1]")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll-interval must be positive")
	case len(c.KafkaBrokers) > 0 && c.KafkaTopic == "":
		return fmt.Errorf("kafka-topic is required when kafka-brokers is set")
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	switch typed := v.Get(key).(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	return cleanStrings(strings.Split(input, ","))
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
