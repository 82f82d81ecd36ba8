package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type envSetter func(cfg *Config, value string) error

func durationEnv(field func(*Config) *time.Duration) envSetter {
	return func(cfg *Config, v string) error {
		d, err := parseSeconds(v)
		if err != nil {
			return err
		}
		*field(cfg) = d
		return nil
	}
}

func floatEnv(field func(*Config) *float64) envSetter {
	return func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(cfg) = f
		return nil
	}
}

func intEnv(field func(*Config) *int) envSetter {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func boolEnv(field func(*Config) *bool) envSetter {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

func stringEnv(field func(*Config) *string) envSetter {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

// envOverrides maps environment variable names to the option they replace.
var envOverrides = map[string]envSetter{
	"VOLUME_WORKER_JOB_INTERVAL":            durationEnv(func(c *Config) *time.Duration { return &c.Workers.Volume.JobInterval }),
	"DB_WORKER_JOB_INTERVAL":                durationEnv(func(c *Config) *time.Duration { return &c.Workers.DB.JobInterval }),
	"ORDERS_WORKER_JOB_INTERVAL":            durationEnv(func(c *Config) *time.Duration { return &c.Workers.Orders.JobInterval }),
	"ORDERS_ANOMALIES_SUMMARY_JOB_INTERVAL": durationEnv(func(c *Config) *time.Duration { return &c.Workers.Summary.JobInterval }),
	"MAESTRO_LIVENESS_UPDATER_JOB_INTERVAL": durationEnv(func(c *Config) *time.Duration { return &c.Maestro.LivenessUpdaterJobInterval }),
	"MAESTRO_PAIRS_RETRIEVAL_INTERVAL":      durationEnv(func(c *Config) *time.Duration { return &c.Maestro.PairsRetrievalInterval }),
	"MAESTRO_MAX_LIVENESS_GAP_SECONDS":      durationEnv(func(c *Config) *time.Duration { return &c.Maestro.MaxLivenessGap }),
	"ANOMALIES_DETECTION_TTL":               durationEnv(func(c *Config) *time.Duration { return &c.Workers.Orders.DetectionTTL }),
	"ANOMALIES_OBSERVING_TTL":               durationEnv(func(c *Config) *time.Duration { return &c.Workers.Orders.ObservingTTL }),

	"VOLUME_ANOMALY_RATIO":                    floatEnv(func(c *Config) *float64 { return &c.Workers.Volume.AnomalyRatio }),
	"ORDERS_ANOMALIES_SUMMARY_RATIO":          floatEnv(func(c *Config) *float64 { return &c.Workers.Summary.Ratio }),
	"ORDER_ANOMALY_MULTIPLIER":                floatEnv(func(c *Config) *float64 { return &c.Workers.Orders.AnomalyMultiplier }),
	"ORDER_ANOMALY_MINIMUM_LIQUIDITY":         floatEnv(func(c *Config) *float64 { return &c.Workers.Orders.MinimumLiquidity }),
	"ANOMALIES_OBSERVING_RATIO":               floatEnv(func(c *Config) *float64 { return &c.Workers.Orders.ObservingRatio }),
	"ANOMALIES_SIGNIFICANTLY_INCREASED_RATIO": floatEnv(func(c *Config) *float64 { return &c.Workers.Orders.SignificantlyIncreasedRatio }),
	"OBSERVING_SAVED_LIMIT_ANOMALIES_RATIO":   floatEnv(func(c *Config) *float64 { return &c.Workers.Orders.SavedLimitAnomaliesRatio }),

	"VOLUME_COMPARATIVE_ARRAY_SIZE":                   intEnv(func(c *Config) *int { return &c.Workers.Volume.ComparativeArraySize }),
	"ORDERS_ANOMALIES_SUMMARY_COMPARATIVE_ARRAY_SIZE": intEnv(func(c *Config) *int { return &c.Workers.Summary.ComparativeArraySize }),
	"TOP_N_ORDERS":                 intEnv(func(c *Config) *int { return &c.Workers.Orders.TopNOrders }),
	"MAXIMUM_ORDER_BOOK_ANOMALIES": intEnv(func(c *Config) *int { return &c.Workers.Orders.MaximumAnomalies }),
	"DATABASE_POOL_SIZE":           intEnv(func(c *Config) *int { return &c.Database.PoolSize }),
	"DATABASE_MAX_OVERFLOW":        intEnv(func(c *Config) *int { return &c.Database.MaxOverflow }),

	"SUMMARY_SUPPRESS_ZERO_CURRENT": boolEnv(func(c *Config) *bool { return &c.Workers.Summary.SuppressZeroCurrent }),
	"MAESTRO_CONTINUOUS_TAKEOVER":   boolEnv(func(c *Config) *bool { return &c.Maestro.ContinuousTakeover }),
	"MAESTRO_RELEASE_ON_SHUTDOWN":   boolEnv(func(c *Config) *bool { return &c.Maestro.ReleaseOnShutdown }),

	"DATABASE_DRIVER":       stringEnv(func(c *Config) *string { return &c.Database.Driver }),
	"DATABASE_DSN":          stringEnv(func(c *Config) *string { return &c.Database.DSN }),
	"TELEGRAM_TOKEN":        stringEnv(func(c *Config) *string { return &c.Notifier.Telegram.Token }),
	"TELEGRAM_CHAT_ID":      stringEnv(func(c *Config) *string { return &c.Notifier.Telegram.ChatID }),
	"KAFKA_TOPIC":           stringEnv(func(c *Config) *string { return &c.Notifier.Kafka.Topic }),
	"AWS_ACCESS_KEY_ID":     stringEnv(func(c *Config) *string { return &c.Storage.S3.AccessKeyID }),
	"AWS_SECRET_ACCESS_KEY": stringEnv(func(c *Config) *string { return &c.Storage.S3.SecretAccessKey }),
	"AWS_REGION":            stringEnv(func(c *Config) *string { return &c.Storage.S3.Region }),
	"S3_BUCKET":             stringEnv(func(c *Config) *string { return &c.Storage.S3.Bucket }),
	"DASHBOARD_ADDR":        stringEnv(func(c *Config) *string { return &c.Dashboard.Addr }),

	"KAFKA_BROKERS": func(c *Config, v string) error {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Notifier.Kafka.Brokers = brokers
		return nil
	},
}

func applyEnvOverrides(cfg *Config) error {
	for name, set := range envOverrides {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("%s=%q: %w", name, v, err)
		}
	}
	return nil
}
