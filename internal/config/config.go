package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/liamashdown/kalshiwatch/internal/secrets"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Kalshi    KalshiConfig    `mapstructure:"kalshi"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Detection DetectionConfig `mapstructure:"detection"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// DatabaseConfig selects the GORM dialector and pool settings.
type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"` // mysql, postgres, sqlite
	DSN         string        `mapstructure:"dsn"`
	MaxConns    int           `mapstructure:"max_conns"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
}

// KalshiConfig configures the venue client.
type KalshiConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKeyID       string        `mapstructure:"api_key_id"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	MaxRPS         float64       `mapstructure:"max_rps"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	Categories     []string      `mapstructure:"categories"`
	TickerPrefixes []string      `mapstructure:"ticker_prefixes"`
	PageLimit      int           `mapstructure:"page_limit"`
	MaxMarkets     int           `mapstructure:"max_markets"`
}

// RedisConfig enables the shared rate limiter when URL is set.
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	LimiterKey string `mapstructure:"limiter_key"`
}

// IngestionConfig controls the venue polling loop.
type IngestionConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
	// Lookback bounds the first fetch for a ticker with no checkpoint.
	Lookback time.Duration `mapstructure:"lookback"`
}

// DetectionConfig carries every tunable of the scoring engine.
type DetectionConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Workers        int           `mapstructure:"workers"`
	MarketDeadline time.Duration `mapstructure:"market_deadline"`

	HistoryWindow      time.Duration `mapstructure:"history_window"`
	IntervalSize       time.Duration `mapstructure:"interval_size"`
	MinBaselineSamples int           `mapstructure:"min_baseline_samples"`
	ZThreshold         float64       `mapstructure:"z_threshold"`
	ZCap               float64       `mapstructure:"z_cap"`

	VPINBucketSize    float64 `mapstructure:"vpin_bucket_size"`
	VPINWindowBuckets int     `mapstructure:"vpin_window_buckets"`
	VPINThreshold     float64 `mapstructure:"vpin_threshold"`

	CorrelationThreshold float64 `mapstructure:"correlation_threshold"`

	WhaleUSDThreshold          float64       `mapstructure:"whale_usd_threshold"`
	ConsensusMinWhales         int           `mapstructure:"consensus_min_whales"`
	ConsensusWindow            time.Duration `mapstructure:"consensus_window"`
	ConsensusStrengthThreshold int           `mapstructure:"consensus_strength_threshold"`
	WhaleSaturation            int           `mapstructure:"whale_saturation"`

	AnomalyCooldown time.Duration `mapstructure:"anomaly_cooldown"`
	MinRecordScore  float64       `mapstructure:"min_record_score"`

	CompositeWeights   Weights            `mapstructure:"composite_weights"`
	SeverityThresholds SeverityThresholds `mapstructure:"severity_thresholds"`
	UrgencyDays        UrgencyDays        `mapstructure:"urgency_days"`
	UrgencyBoost       UrgencyBoost       `mapstructure:"urgency_boost"`
}

// Weights are the composite score weights; they need not sum to 1.
type Weights struct {
	Volume      float64 `mapstructure:"volume"`
	VPIN        float64 `mapstructure:"vpin"`
	Correlation float64 `mapstructure:"correlation"`
	Whales      float64 `mapstructure:"whales"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Volume + w.VPIN + w.Correlation + w.Whales
}

// Normalized scales the weights so they add up to 1.
func (w Weights) Normalized() Weights {
	s := w.Sum()
	if s <= 0 {
		return w
	}
	return Weights{
		Volume:      w.Volume / s,
		VPIN:        w.VPIN / s,
		Correlation: w.Correlation / s,
		Whales:      w.Whales / s,
	}
}

// SeverityThresholds are the lower bounds of the medium, high and critical bands.
type SeverityThresholds struct {
	Medium   float64 `mapstructure:"medium"`
	High     float64 `mapstructure:"high"`
	Critical float64 `mapstructure:"critical"`
}

// UrgencyDays are the inclusive day limits for each urgency level.
type UrgencyDays struct {
	Critical int `mapstructure:"critical"`
	High     int `mapstructure:"high"`
	Medium   int `mapstructure:"medium"`
}

// UrgencyBoost is the score multiplier applied at each urgency level.
type UrgencyBoost struct {
	Critical float64 `mapstructure:"critical"`
	High     float64 `mapstructure:"high"`
	Medium   float64 `mapstructure:"medium"`
}

// AlertsConfig selects alert channels and their credentials.
type AlertsConfig struct {
	Mode               string   `mapstructure:"mode"` // comma-separated: log, discord, smtp, telegram
	MinSeverity        string   `mapstructure:"min_severity"`
	DiscordWebhookURLs []string `mapstructure:"discord_webhook_urls"`
	SMTPHost           string   `mapstructure:"smtp_host"`
	SMTPPort           int      `mapstructure:"smtp_port"`
	SMTPUser           string   `mapstructure:"smtp_user"`
	SMTPPassword       string   `mapstructure:"smtp_password"`
	SMTPFrom           string   `mapstructure:"smtp_from"`
	SMTPTo             []string `mapstructure:"smtp_to"`
	TelegramToken      string   `mapstructure:"telegram_token"`
	TelegramChatID     string   `mapstructure:"telegram_chat_id"`
}

// HTTPConfig configures the query API server.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Load reads configuration from an optional .env file, an optional config
// file named by CONFIG_FILE, and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated env values arrive as a single element
	cfg.Kalshi.Categories = splitList(cfg.Kalshi.Categories)
	cfg.Kalshi.TickerPrefixes = splitList(cfg.Kalshi.TickerPrefixes)
	cfg.Alerts.DiscordWebhookURLs = splitList(cfg.Alerts.DiscordWebhookURLs)
	cfg.Alerts.SMTPTo = splitList(cfg.Alerts.SMTPTo)

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Detection.CompositeWeights = cfg.Detection.CompositeWeights.Normalized()

	return &cfg, nil
}

// Default returns the configuration with every default applied and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Detection.CompositeWeights = cfg.Detection.CompositeWeights.Normalized()
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_file", "")
	v.SetDefault("environment", "production")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "kalshiwatch:kalshiwatch@tcp(mysql:3306)/kalshiwatch?parseTime=true")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.max_idle_time", 5*time.Minute)

	v.SetDefault("kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.api_key_id", "")
	v.SetDefault("kalshi.private_key_path", "")
	v.SetDefault("kalshi.max_rps", 10.0)
	v.SetDefault("kalshi.timeout", 30*time.Second)
	v.SetDefault("kalshi.max_retries", 3)
	v.SetDefault("kalshi.categories", []string{})
	v.SetDefault("kalshi.ticker_prefixes", []string{
		"KXPRES", "KXSENATE", "KXHOUSE", "KXGOV",
		"KXCPI", "KXFED", "KXGDP", "KXJOBS", "KXUNRATE",
		"KXBTC", "KXETH", "KXSPY", "KXNASDAQ",
	})
	v.SetDefault("kalshi.page_limit", 200)
	v.SetDefault("kalshi.max_markets", 1000)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.limiter_key", "kalshi:api:ratelimit:global")

	v.SetDefault("ingestion.interval", 5*time.Minute)
	v.SetDefault("ingestion.workers", 5)
	v.SetDefault("ingestion.lookback", 7*24*time.Hour)

	v.SetDefault("detection.interval", 5*time.Minute)
	v.SetDefault("detection.workers", 5)
	v.SetDefault("detection.market_deadline", 30*time.Second)
	v.SetDefault("detection.history_window", 24*time.Hour)
	v.SetDefault("detection.interval_size", time.Hour)
	v.SetDefault("detection.min_baseline_samples", 3)
	v.SetDefault("detection.z_threshold", 3.0)
	v.SetDefault("detection.z_cap", 10.0)
	v.SetDefault("detection.vpin_bucket_size", 100.0)
	v.SetDefault("detection.vpin_window_buckets", 50)
	v.SetDefault("detection.vpin_threshold", 0.7)
	v.SetDefault("detection.correlation_threshold", 0.6)
	v.SetDefault("detection.whale_usd_threshold", 500.0)
	v.SetDefault("detection.consensus_min_whales", 2)
	v.SetDefault("detection.consensus_window", 7*24*time.Hour)
	v.SetDefault("detection.consensus_strength_threshold", 75)
	v.SetDefault("detection.whale_saturation", 5)
	v.SetDefault("detection.anomaly_cooldown", time.Hour)
	v.SetDefault("detection.min_record_score", 0.0)
	v.SetDefault("detection.composite_weights.volume", 0.25)
	v.SetDefault("detection.composite_weights.vpin", 0.25)
	v.SetDefault("detection.composite_weights.correlation", 0.25)
	v.SetDefault("detection.composite_weights.whales", 0.25)
	v.SetDefault("detection.severity_thresholds.medium", 4.0)
	v.SetDefault("detection.severity_thresholds.high", 6.0)
	v.SetDefault("detection.severity_thresholds.critical", 8.0)
	v.SetDefault("detection.urgency_days.critical", 7)
	v.SetDefault("detection.urgency_days.high", 30)
	v.SetDefault("detection.urgency_days.medium", 90)
	v.SetDefault("detection.urgency_boost.critical", 1.5)
	v.SetDefault("detection.urgency_boost.high", 1.25)
	v.SetDefault("detection.urgency_boost.medium", 1.1)

	v.SetDefault("alerts.mode", "log")
	v.SetDefault("alerts.min_severity", "high")
	v.SetDefault("alerts.discord_webhook_urls", []string{})
	v.SetDefault("alerts.smtp_host", "")
	v.SetDefault("alerts.smtp_port", 587)
	v.SetDefault("alerts.smtp_user", "")
	v.SetDefault("alerts.smtp_password", "")
	v.SetDefault("alerts.smtp_from", "kalshiwatch@example.com")
	v.SetDefault("alerts.smtp_to", []string{})
	v.SetDefault("alerts.telegram_token", "")
	v.SetDefault("alerts.telegram_chat_id", "")

	v.SetDefault("http.port", 8080)
}

// loadSecrets overrides sensitive values with their _FILE variants when present.
func loadSecrets(cfg *Config) {
	cfg.Database.DSN = secrets.GetOptionalSecret("DATABASE_DSN", cfg.Database.DSN)
	cfg.Kalshi.APIKeyID = secrets.GetOptionalSecret("KALSHI_API_KEY_ID", cfg.Kalshi.APIKeyID)
	cfg.Alerts.SMTPPassword = secrets.GetOptionalSecret("ALERTS_SMTP_PASSWORD", cfg.Alerts.SMTPPassword)
	cfg.Alerts.TelegramToken = secrets.GetOptionalSecret("ALERTS_TELEGRAM_TOKEN", cfg.Alerts.TelegramToken)
	if urls := secrets.GetOptionalSecret("ALERTS_DISCORD_WEBHOOK_URLS", ""); urls != "" {
		cfg.Alerts.DiscordWebhookURLs = splitList([]string{urls})
	}
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid database.driver: %s (must be mysql, postgres, or sqlite)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Kalshi.BaseURL == "" {
		return errors.New("kalshi.base_url is required")
	}
	if c.Kalshi.APIKeyID != "" && c.Kalshi.PrivateKeyPath == "" {
		return errors.New("kalshi.private_key_path is required when kalshi.api_key_id is set")
	}
	if c.Ingestion.Interval <= 0 || c.Detection.Interval <= 0 {
		return errors.New("ingestion.interval and detection.interval must be positive")
	}
	if c.Ingestion.Workers < 1 || c.Detection.Workers < 1 {
		return errors.New("worker counts must be at least 1")
	}

	d := c.Detection
	if d.HistoryWindow <= 0 || d.IntervalSize <= 0 || d.IntervalSize > d.HistoryWindow {
		return fmt.Errorf("detection.interval_size (%s) must be positive and not exceed detection.history_window (%s)", d.IntervalSize, d.HistoryWindow)
	}
	if d.MinBaselineSamples < 1 {
		return errors.New("detection.min_baseline_samples must be at least 1")
	}
	if d.ZThreshold <= 0 || d.ZCap < d.ZThreshold {
		return fmt.Errorf("detection.z_threshold (%.2f) must be positive and not exceed detection.z_cap (%.2f)", d.ZThreshold, d.ZCap)
	}
	if d.VPINBucketSize <= 0 || d.VPINWindowBuckets < 1 {
		return errors.New("detection.vpin_bucket_size and detection.vpin_window_buckets must be positive")
	}
	if d.WhaleUSDThreshold <= 0 {
		return errors.New("detection.whale_usd_threshold must be positive")
	}
	if d.ConsensusMinWhales < 1 || d.WhaleSaturation < 1 {
		return errors.New("detection.consensus_min_whales and detection.whale_saturation must be at least 1")
	}
	if d.ConsensusStrengthThreshold < 0 || d.ConsensusStrengthThreshold > 100 {
		return errors.New("detection.consensus_strength_threshold must be within 0-100")
	}
	if d.AnomalyCooldown < 0 {
		return errors.New("detection.anomaly_cooldown must not be negative")
	}

	w := d.CompositeWeights
	if w.Volume < 0 || w.VPIN < 0 || w.Correlation < 0 || w.Whales < 0 {
		return errors.New("detection.composite_weights must not be negative")
	}
	if w.Sum() <= 0 {
		return errors.New("detection.composite_weights must not all be zero")
	}

	s := d.SeverityThresholds
	if !(0 < s.Medium && s.Medium < s.High && s.High < s.Critical && s.Critical <= 10) {
		return fmt.Errorf("detection.severity_thresholds must be strictly increasing within (0, 10]: medium=%.2f high=%.2f critical=%.2f", s.Medium, s.High, s.Critical)
	}
	u := d.UrgencyDays
	if !(0 <= u.Critical && u.Critical < u.High && u.High < u.Medium) {
		return errors.New("detection.urgency_days must be strictly increasing")
	}

	// Validate alert mode (comma-separated list)
	for _, mode := range strings.Split(c.Alerts.Mode, ",") {
		mode = strings.TrimSpace(mode)
		switch mode {
		case "log":
		case "discord":
			if len(c.Alerts.DiscordWebhookURLs) == 0 {
				return errors.New("alerts.discord_webhook_urls is required when discord is in alerts.mode")
			}
		case "smtp":
			if c.Alerts.SMTPHost == "" || len(c.Alerts.SMTPTo) == 0 {
				return errors.New("alerts.smtp_host and alerts.smtp_to are required when smtp is in alerts.mode")
			}
		case "telegram":
			if c.Alerts.TelegramToken == "" || c.Alerts.TelegramChatID == "" {
				return errors.New("alerts.telegram_token and alerts.telegram_chat_id are required when telegram is in alerts.mode")
			}
		default:
			return fmt.Errorf("invalid alerts.mode value: %s (valid values: log, discord, smtp, telegram)", mode)
		}
	}
	switch c.Alerts.MinSeverity {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("invalid alerts.min_severity: %s", c.Alerts.MinSeverity)
	}

	return nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
