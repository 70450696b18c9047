// Package config loads rebalancer settings from an optional YAML file,
// a .env file, and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pensionops/rebalancer/internal/aggregation"
	"github.com/pensionops/rebalancer/internal/model"
	"github.com/pensionops/rebalancer/internal/scheduler"
	"github.com/pensionops/rebalancer/internal/transaction"
)

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig                       `yaml:"http"`
	Database  DatabaseConfig                   `yaml:"database"`
	Redis     RedisConfig                      `yaml:"redis"`
	Scheduler SchedulerConfig                  `yaml:"scheduler"`
	Calendar  CalendarConfig                   `yaml:"calendar"`
	Rebalance RebalanceConfig                  `yaml:"rebalance"`
	Funds     map[model.Fund]model.FundProfile `yaml:"funds"`
	Export    ExportConfig                     `yaml:"export"`
	Notify    NotifyConfig                     `yaml:"notify"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig selects Postgres. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig enables the read-through cache and the distributed lock.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type SchedulerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	LockName    string        `yaml:"lock_name"`
	LockAtMost  time.Duration `yaml:"lock_at_most"`
	LockAtLeast time.Duration `yaml:"lock_at_least"`
}

// CalendarConfig holds the zone trade dates are observed in.
type CalendarConfig struct {
	Timezone string `yaml:"timezone"`
}

// RebalanceConfig holds calculation defaults. Amounts are decimal strings.
type RebalanceConfig struct {
	FlagshipFund          model.Fund           `yaml:"flagship_fund"`
	DefaultMinTransaction string               `yaml:"default_min_transaction"`
	DefaultCashBuffer     string               `yaml:"default_cash_buffer"`
	DefaultInstrumentType model.InstrumentType `yaml:"default_instrument_type"`
	DefaultVenue          model.OrderVenue     `yaml:"default_venue"`
}

type ExportConfig struct {
	Upload UploadConfig `yaml:"upload"`
}

type UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Default returns the built-in configuration.
func Default() Config {
	sched := scheduler.DefaultOptions()
	return Config{
		HTTP:  HTTPConfig{Port: "8080"},
		Redis: RedisConfig{CacheTTL: 30 * time.Second},
		Scheduler: SchedulerConfig{
			Interval:    sched.Interval,
			LockName:    sched.LockName,
			LockAtMost:  sched.LockAtMost,
			LockAtLeast: sched.LockAtLeast,
		},
		Calendar: CalendarConfig{Timezone: "Europe/Tallinn"},
		Rebalance: RebalanceConfig{
			FlagshipFund:          model.TKF100,
			DefaultMinTransaction: aggregation.DefaultMinTransaction.String(),
			DefaultCashBuffer:     aggregation.DefaultCashBuffer.String(),
			DefaultInstrumentType: model.InstrumentETF,
			DefaultVenue:          model.VenueSEB,
		},
		Funds:  map[model.Fund]model.FundProfile{},
		Export: ExportConfig{Upload: UploadConfig{Prefix: "rebalancer"}},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory if present, and
// environment variables. The defaults alone do not validate: the flagship
// fund's ISIN has no default and must come from funds or FLAGSHIP_ISIN.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.HTTP.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("EXPORT_UPLOAD_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EXPORT_UPLOAD_ENABLED: %w", err)
		}
		c.Export.Upload.Enabled = b
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		c.Notify.WebhookURL = v
	}
	if v := os.Getenv("FLAGSHIP_ISIN"); v != "" {
		if c.Funds == nil {
			c.Funds = map[model.Fund]model.FundProfile{}
		}
		profile := c.Funds[c.Rebalance.FlagshipFund]
		profile.ISIN = v
		c.Funds[c.Rebalance.FlagshipFund] = profile
	}
	return nil
}

// Validate checks that every setting can be used as is.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port == "" {
		errs = append(errs, errors.New("http.port is required"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.LockAtMost <= 0 {
		errs = append(errs, errors.New("scheduler.lock_at_most must be positive"))
	}
	if c.Scheduler.LockAtLeast < 0 || c.Scheduler.LockAtLeast > c.Scheduler.LockAtMost {
		errs = append(errs, errors.New("scheduler.lock_at_least must be between 0 and lock_at_most"))
	}
	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("calendar.timezone: %w", err))
	}
	if _, err := decimal.NewFromString(c.Rebalance.DefaultMinTransaction); err != nil {
		errs = append(errs, fmt.Errorf("rebalance.default_min_transaction: %w", err))
	}
	if _, err := decimal.NewFromString(c.Rebalance.DefaultCashBuffer); err != nil {
		errs = append(errs, fmt.Errorf("rebalance.default_cash_buffer: %w", err))
	}
	switch c.Rebalance.DefaultInstrumentType {
	case model.InstrumentETF, model.InstrumentFund:
	default:
		errs = append(errs, fmt.Errorf("rebalance.default_instrument_type: unknown %q", c.Rebalance.DefaultInstrumentType))
	}
	switch c.Rebalance.DefaultVenue {
	case model.VenueSEB, model.VenueFT:
	default:
		errs = append(errs, fmt.Errorf("rebalance.default_venue: unknown %q", c.Rebalance.DefaultVenue))
	}
	// Reserved units of the flagship are valued at its NAV.
	if f := c.Rebalance.FlagshipFund; f != "" && c.Funds[f].ISIN == "" {
		errs = append(errs, fmt.Errorf("funds.%s.isin is required for the flagship fund", f))
	}
	if c.Export.Upload.Enabled && c.Export.Upload.Bucket == "" {
		errs = append(errs, errors.New("export.upload.bucket is required when uploads are enabled"))
	}
	return errors.Join(errs...)
}

// AggregationOptions returns the input aggregator settings. The flagship
// ISIN comes from the flagship fund's profile.
func (c *Config) AggregationOptions() (aggregation.Options, error) {
	minTx, err := decimal.NewFromString(c.Rebalance.DefaultMinTransaction)
	if err != nil {
		return aggregation.Options{}, fmt.Errorf("rebalance.default_min_transaction: %w", err)
	}
	buffer, err := decimal.NewFromString(c.Rebalance.DefaultCashBuffer)
	if err != nil {
		return aggregation.Options{}, fmt.Errorf("rebalance.default_cash_buffer: %w", err)
	}
	return aggregation.Options{
		FlagshipFund:          c.Rebalance.FlagshipFund,
		FlagshipISIN:          c.Funds[c.Rebalance.FlagshipFund].ISIN,
		DefaultMinTransaction: minTx,
		DefaultCashBuffer:     buffer,
	}, nil
}

// TransactionOptions returns the command processor and finalizer settings.
func (c *Config) TransactionOptions() (transaction.Options, error) {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return transaction.Options{}, fmt.Errorf("calendar.timezone: %w", err)
	}
	return transaction.Options{
		Location:              loc,
		DefaultInstrumentType: c.Rebalance.DefaultInstrumentType,
		DefaultVenue:          c.Rebalance.DefaultVenue,
		UploadEnabled:         c.Export.Upload.Enabled,
	}, nil
}

func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		Interval:    c.Scheduler.Interval,
		LockName:    c.Scheduler.LockName,
		LockAtMost:  c.Scheduler.LockAtMost,
		LockAtLeast: c.Scheduler.LockAtLeast,
	}
}
