package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

type Config struct {
	Depthwatch DepthwatchConfig `yaml:"depthwatch"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Exchanges  ExchangesConfig  `yaml:"exchanges"`
	Collector  CollectorConfig  `yaml:"collector"`
	Workers    WorkersConfig    `yaml:"workers"`
	Maestro    MaestroConfig    `yaml:"maestro"`
	Session    SessionConfig    `yaml:"session"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Storage    StorageConfig    `yaml:"storage"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
}

type DepthwatchConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DatabaseConfig struct {
	Driver           string        `yaml:"driver"`
	DSN              string        `yaml:"dsn"`
	PoolSize         int           `yaml:"pool_size"`
	MaxOverflow      int           `yaml:"max_overflow"`
	Recycle          time.Duration `yaml:"recycle"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	AutoMigrate      bool          `yaml:"auto_migrate"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type ExchangesConfig struct {
	Websocket WebsocketConfig `yaml:"websocket"`
	Binance   BinanceConfig   `yaml:"binance"`
	Coinbase  CoinbaseConfig  `yaml:"coinbase"`
	Kraken    KrakenConfig    `yaml:"kraken"`
}

// WebsocketConfig holds the keepalive settings shared by every websocket client.
type WebsocketConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
}

type BinanceConfig struct {
	RestURL         string        `yaml:"rest_url"`
	WsURL           string        `yaml:"ws_url"`
	SnapshotLimit   int           `yaml:"snapshot_limit"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
	UpdateSpeed     string        `yaml:"update_speed"`
}

type CoinbaseConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

type KrakenConfig struct {
	URL   string `yaml:"url"`
	Depth int    `yaml:"depth"`
}

type CollectorConfig struct {
	EventBuffer  int           `yaml:"event_buffer"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

type WorkersConfig struct {
	DB      DBWorkerConfig      `yaml:"db"`
	Volume  VolumeWorkerConfig  `yaml:"volume"`
	Orders  OrdersWorkerConfig  `yaml:"orders"`
	Summary SummaryWorkerConfig `yaml:"summary"`
}

type DBWorkerConfig struct {
	JobInterval time.Duration `yaml:"job_interval"`
}

type VolumeWorkerConfig struct {
	JobInterval          time.Duration `yaml:"job_interval"`
	AnomalyRatio         float64       `yaml:"anomaly_ratio"`
	ComparativeArraySize int           `yaml:"comparative_array_size"`
}

type OrdersWorkerConfig struct {
	JobInterval                 time.Duration `yaml:"job_interval"`
	TopNOrders                  int           `yaml:"top_n_orders"`
	AnomalyMultiplier           float64       `yaml:"anomaly_multiplier"`
	MinimumLiquidity            float64       `yaml:"minimum_liquidity"`
	MaximumAnomalies            int           `yaml:"maximum_anomalies"`
	DetectionTTL                time.Duration `yaml:"detection_ttl"`
	ObservingTTL                time.Duration `yaml:"observing_ttl"`
	ObservingRatio              float64       `yaml:"observing_ratio"`
	SignificantlyIncreasedRatio float64       `yaml:"significantly_increased_ratio"`
	SavedLimitAnomaliesRatio    float64       `yaml:"saved_limit_anomalies_ratio"`
}

type SummaryWorkerConfig struct {
	JobInterval          time.Duration `yaml:"job_interval"`
	Ratio                float64       `yaml:"ratio"`
	ComparativeArraySize int           `yaml:"comparative_array_size"`
	SuppressZeroCurrent  bool          `yaml:"suppress_zero_current"`
}

type MaestroConfig struct {
	LivenessUpdaterJobInterval time.Duration `yaml:"liveness_updater_job_interval"`
	PairsRetrievalInterval     time.Duration `yaml:"pairs_retrieval_interval"`
	MaxLivenessGap             time.Duration `yaml:"max_liveness_gap"`
	ContinuousTakeover         bool          `yaml:"continuous_takeover"`
	ReleaseOnShutdown          bool          `yaml:"release_on_shutdown"`
}

// SessionConfig lists UTC trading windows as "HH:MM" pairs. No windows means always open.
type SessionConfig struct {
	Windows []SessionWindow `yaml:"windows"`
}

type SessionWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type NotifierConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Log      LogSinkConfig  `yaml:"log"`
}

type TelegramConfig struct {
	Enabled     bool          `yaml:"enabled"`
	APIURL      string        `yaml:"api_url"`
	Token       string        `yaml:"token"`
	ChatID      string        `yaml:"chat_id"`
	MinInterval time.Duration `yaml:"min_interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LogSinkConfig struct {
	Enabled bool `yaml:"enabled"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Compression     string `yaml:"compression"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

// Default returns the configuration used for every key the YAML file omits.
func Default() Config {
	return Config{
		Depthwatch: DepthwatchConfig{Name: "depthwatch", Version: "dev"},
		Database: DatabaseConfig{
			Driver:           "postgres",
			PoolSize:         10,
			MaxOverflow:      20,
			Recycle:          30 * time.Minute,
			OperationTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
		Metrics: MetricsConfig{CloudWatch: CloudWatchConfig{Namespace: "Depthwatch", Dashboard: "Depthwatch"}},
		Exchanges: ExchangesConfig{
			Websocket: WebsocketConfig{
				HandshakeTimeout: 10 * time.Second,
				PingInterval:     20 * time.Second,
				ReadTimeout:      60 * time.Second,
			},
			Binance: BinanceConfig{
				RestURL:         "https://api.binance.com",
				WsURL:           "wss://stream.binance.com:9443/ws",
				SnapshotLimit:   1000,
				SnapshotTimeout: 10 * time.Second,
				UpdateSpeed:     "100ms",
			},
			Coinbase: CoinbaseConfig{URL: "wss://ws-feed.exchange.coinbase.com", Channel: "level2_batch"},
			Kraken:   KrakenConfig{URL: "wss://ws.kraken.com", Depth: 1000},
		},
		Collector: CollectorConfig{EventBuffer: 1024, ReconnectMin: 500 * time.Millisecond, ReconnectMax: 30 * time.Second},
		Workers: WorkersConfig{
			DB:     DBWorkerConfig{JobInterval: 60 * time.Second},
			Volume: VolumeWorkerConfig{JobInterval: 60 * time.Second, AnomalyRatio: 2, ComparativeArraySize: 15},
			Orders: OrdersWorkerConfig{
				JobInterval:                 time.Second,
				TopNOrders:                  20,
				AnomalyMultiplier:           3,
				MinimumLiquidity:            100000,
				MaximumAnomalies:            3,
				DetectionTTL:                time.Hour,
				ObservingTTL:                5 * time.Second,
				ObservingRatio:              0.2,
				SignificantlyIncreasedRatio: 2,
				SavedLimitAnomaliesRatio:    0.5,
			},
			Summary: SummaryWorkerConfig{JobInterval: 15 * time.Minute, Ratio: 2, ComparativeArraySize: 4, SuppressZeroCurrent: true},
		},
		Maestro: MaestroConfig{
			LivenessUpdaterJobInterval: 5 * time.Second,
			PairsRetrievalInterval:     10 * time.Second,
			MaxLivenessGap:             30 * time.Second,
		},
		Notifier: NotifierConfig{
			Telegram: TelegramConfig{APIURL: "https://api.telegram.org", MinInterval: time.Second, Timeout: 10 * time.Second},
			Kafka:    KafkaConfig{Topic: "depthwatch.anomalies", WriteTimeout: 10 * time.Second},
			Log:      LogSinkConfig{Enabled: true},
		},
		Storage:   StorageConfig{S3: S3Config{Compression: "snappy"}},
		Dashboard: DashboardConfig{Enabled: true, Addr: ":8080", RefreshInterval: 5 * time.Second, LogHistory: 200, MetricsHistory: 200},
	}
}

// LoadConfig reads the YAML file at path (or the APP_ENV specific file), applies
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Depthwatch.Name == "" {
		return fmt.Errorf("depthwatch.name is required")
	}

	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver '%s' is not supported", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be greater than 0")
	}
	if cfg.Database.MaxOverflow < 0 {
		return fmt.Errorf("database.max_overflow must not be negative")
	}
	if cfg.Database.OperationTimeout <= 0 {
		return fmt.Errorf("database.operation_timeout must be greater than 0")
	}

	intervals := map[string]time.Duration{
		"workers.db.job_interval":               cfg.Workers.DB.JobInterval,
		"workers.volume.job_interval":           cfg.Workers.Volume.JobInterval,
		"workers.orders.job_interval":           cfg.Workers.Orders.JobInterval,
		"workers.summary.job_interval":          cfg.Workers.Summary.JobInterval,
		"maestro.liveness_updater_job_interval": cfg.Maestro.LivenessUpdaterJobInterval,
		"maestro.pairs_retrieval_interval":      cfg.Maestro.PairsRetrievalInterval,
		"maestro.max_liveness_gap":              cfg.Maestro.MaxLivenessGap,
		"exchanges.websocket.ping_interval":     cfg.Exchanges.Websocket.PingInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}
	if cfg.Maestro.MaxLivenessGap <= cfg.Maestro.LivenessUpdaterJobInterval {
		return fmt.Errorf("maestro.max_liveness_gap must exceed maestro.liveness_updater_job_interval")
	}

	ratios := map[string]float64{
		"workers.volume.anomaly_ratio":                 cfg.Workers.Volume.AnomalyRatio,
		"workers.summary.ratio":                        cfg.Workers.Summary.Ratio,
		"workers.orders.anomaly_multiplier":            cfg.Workers.Orders.AnomalyMultiplier,
		"workers.orders.observing_ratio":               cfg.Workers.Orders.ObservingRatio,
		"workers.orders.significantly_increased_ratio": cfg.Workers.Orders.SignificantlyIncreasedRatio,
		"workers.orders.saved_limit_anomalies_ratio":   cfg.Workers.Orders.SavedLimitAnomaliesRatio,
	}
	for name, r := range ratios {
		if r <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}
	if cfg.Workers.Orders.MinimumLiquidity < 0 {
		return fmt.Errorf("workers.orders.minimum_liquidity must not be negative")
	}
	if cfg.Workers.Volume.ComparativeArraySize <= 0 {
		return fmt.Errorf("workers.volume.comparative_array_size must be greater than 0")
	}
	if cfg.Workers.Summary.ComparativeArraySize <= 0 {
		return fmt.Errorf("workers.summary.comparative_array_size must be greater than 0")
	}
	if cfg.Workers.Orders.TopNOrders < 2 {
		return fmt.Errorf("workers.orders.top_n_orders must be at least 2")
	}
	if cfg.Workers.Orders.MaximumAnomalies <= 0 {
		return fmt.Errorf("workers.orders.maximum_anomalies must be greater than 0")
	}

	if cfg.Exchanges.Binance.SnapshotLimit <= 0 {
		return fmt.Errorf("exchanges.binance.snapshot_limit must be greater than 0")
	}
	if cfg.Exchanges.Binance.SnapshotTimeout <= 0 {
		return fmt.Errorf("exchanges.binance.snapshot_timeout must be greater than 0")
	}
	if cfg.Collector.EventBuffer <= 0 {
		return fmt.Errorf("collector.event_buffer must be greater than 0")
	}

	for i, w := range cfg.Session.Windows {
		if _, _, err := w.Bounds(); err != nil {
			return fmt.Errorf("session.windows[%d]: %w", i, err)
		}
	}

	if cfg.Notifier.Telegram.Enabled {
		if cfg.Notifier.Telegram.Token == "" || cfg.Notifier.Telegram.ChatID == "" {
			return fmt.Errorf("notifier.telegram.token and notifier.telegram.chat_id are required when telegram is enabled")
		}
	}
	if cfg.Notifier.Kafka.Enabled {
		if len(cfg.Notifier.Kafka.Brokers) == 0 || cfg.Notifier.Kafka.Topic == "" {
			return fmt.Errorf("notifier.kafka.brokers and notifier.kafka.topic are required when kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr is required when the dashboard is enabled")
	}

	return nil
}

// Bounds parses the window as minutes since UTC midnight.
func (w SessionWindow) Bounds() (int, int, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock '%s', expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

// parseSeconds accepts either a Go duration ("1m30s") or a plain number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
