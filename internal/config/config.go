package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	Port int `yaml:"port"`

	// DatabaseURL empty selects the in-memory repository and ledger.
	DatabaseURL   string `yaml:"database_url"`
	RedisURL      string `yaml:"redis_url"`
	NATSURL       string `yaml:"nats_url"`
	EventsChannel string `yaml:"events_channel"`

	ForfeitGrace  time.Duration `yaml:"forfeit_grace"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	SendBuffer    int           `yaml:"send_buffer"`
	LedgerTimeout time.Duration `yaml:"ledger_timeout"`

	HouseFeeBPS  int64  `yaml:"house_fee_bps"`
	HouseAccount string `yaml:"house_account"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	StaleMatchAfter   time.Duration `yaml:"stale_match_after"`
	FinishedRetention time.Duration `yaml:"finished_retention"`
	HistoryRetention  time.Duration `yaml:"history_retention"`
	SaveInterval      time.Duration `yaml:"save_interval"`

	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	DevStartingBalance int64 `yaml:"dev_starting_balance"`
}

func Defaults() AppConfig {
	return AppConfig{
		Port:               8080,
		EventsChannel:      "match-events",
		ForfeitGrace:       30 * time.Second,
		SendTimeout:        5 * time.Second,
		SendBuffer:         32,
		LedgerTimeout:      5 * time.Second,
		HouseAccount:       "house",
		ReconcileInterval:  time.Minute,
		StaleMatchAfter:    10 * time.Minute,
		FinishedRetention:  5 * time.Minute,
		HistoryRetention:   24 * time.Hour,
		SaveInterval:       30 * time.Second,
		RateLimitMax:       10,
		RateLimitWindow:    time.Second,
		DevStartingBalance: 1000,
	}
}

// Load builds the config from defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*AppConfig, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var errs []error
	envInt(&cfg.Port, "PORT", &errs)
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.RedisURL, "REDIS_URL")
	envString(&cfg.NATSURL, "NATS_URL")
	envString(&cfg.EventsChannel, "EVENTS_CHANNEL")
	envDuration(&cfg.ForfeitGrace, "FORFEIT_GRACE", &errs)
	envDuration(&cfg.SendTimeout, "SEND_TIMEOUT", &errs)
	envInt(&cfg.SendBuffer, "SEND_BUFFER", &errs)
	envDuration(&cfg.LedgerTimeout, "LEDGER_TIMEOUT", &errs)
	envInt64(&cfg.HouseFeeBPS, "HOUSE_FEE_BPS", &errs)
	envString(&cfg.HouseAccount, "HOUSE_ACCOUNT")
	envDuration(&cfg.ReconcileInterval, "RECONCILE_INTERVAL", &errs)
	envDuration(&cfg.StaleMatchAfter, "STALE_MATCH_AFTER", &errs)
	envDuration(&cfg.FinishedRetention, "FINISHED_RETENTION", &errs)
	envDuration(&cfg.HistoryRetention, "HISTORY_RETENTION", &errs)
	envDuration(&cfg.SaveInterval, "SAVE_INTERVAL", &errs)
	envInt(&cfg.RateLimitMax, "RATE_LIMIT_MAX", &errs)
	envDuration(&cfg.RateLimitWindow, "RATE_LIMIT_WINDOW", &errs)
	envInt64(&cfg.DevStartingBalance, "DEV_STARTING_BALANCE", &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c AppConfig) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("PORT %d out of range", c.Port)
	case c.ForfeitGrace < 0:
		return errors.New("FORFEIT_GRACE must not be negative")
	case c.SendTimeout <= 0:
		return errors.New("SEND_TIMEOUT must be positive")
	case c.SendBuffer <= 0:
		return errors.New("SEND_BUFFER must be positive")
	case c.HouseFeeBPS < 0 || c.HouseFeeBPS > 10_000:
		return fmt.Errorf("HOUSE_FEE_BPS %d must be within 0..10000", c.HouseFeeBPS)
	case c.HouseFeeBPS > 0 && c.HouseAccount == "":
		return errors.New("HOUSE_ACCOUNT is required when HOUSE_FEE_BPS is set")
	case c.ReconcileInterval <= 0 || c.SaveInterval <= 0:
		return errors.New("RECONCILE_INTERVAL and SAVE_INTERVAL must be positive")
	case c.FinishedRetention < 0 || c.HistoryRetention <= 0:
		return errors.New("FINISHED_RETENTION must not be negative and HISTORY_RETENTION must be positive")
	case c.RateLimitMax <= 0 || c.RateLimitWindow <= 0:
		return errors.New("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func envInt64(dst *int64, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func envDuration(dst *time.Duration, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
