// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"development"`
	Debug    bool   `env:"DEBUG"`
	LogLevel string `env:"LOG_LEVEL"`
	Port     string `env:"PORT" envDefault:"8080"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"signals.db"`

	JWTSecret      string `env:"JWT_SECRET" envDefault:"klear-secret-key"`
	AdminAPIKey    string `env:"ADMIN_API_KEY" envDefault:"operator-api-key"`
	AdminAPISecret string `env:"ADMIN_API_SECRET" envDefault:"operator-api-secret"`

	PollInterval            time.Duration `env:"POLL_INTERVAL" envDefault:"20s"`
	EntryBuffer             time.Duration `env:"ENTRY_BUFFER" envDefault:"1m"`
	Profiles                []string      `env:"PROFILES" envSeparator:"," envDefault:"Profile 1,Profile 2,Profile 3,Profile 4,Profile 5,Profile 6"`
	MinPayout               float64       `env:"MIN_PAYOUT" envDefault:"70"`
	StakeCutoff             time.Duration `env:"STAKE_CUTOFF" envDefault:"10s"`
	FinishEarly             time.Duration `env:"FINISH_EARLY" envDefault:"3s"`
	OutcomeTimeout          time.Duration `env:"OUTCOME_TIMEOUT" envDefault:"10s"`
	DefaultMartingaleLevels int           `env:"DEFAULT_MARTINGALE_LEVELS" envDefault:"3"`

	ResultsCSV     string `env:"RESULTS_CSV" envDefault:"TradingResult.csv"`
	ReportSchedule string `env:"REPORT_SCHEDULE" envDefault:"0 59 23 * * *"`

	BaseAmount        float64 `env:"BASE_AMOUNT" envDefault:"10"`
	DailyProfitTarget float64 `env:"DAILY_PROFIT_TARGET" envDefault:"100"`
	MaxLossPercent    float64 `env:"MAX_LOSS_PERCENT" envDefault:"10"`
	BalanceReference  float64 `env:"BALANCE_REFERENCE" envDefault:"1000"`

	PaperWinRate   float64 `env:"PAPER_WIN_RATE" envDefault:"0.55"`
	PaperPayout    float64 `env:"PAPER_PAYOUT" envDefault:"82"`
	PaperBalance   float64 `env:"PAPER_BALANCE" envDefault:"1000"`
	PaperTimeScale float64 `env:"PAPER_TIME_SCALE" envDefault:"1"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.Profiles = cleanProfiles(cfg.Profiles)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects settings the dispatcher and engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Profiles) == 0 {
		errs = append(errs, errors.New("PROFILES must name at least one slot"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.EntryBuffer < 0 {
		errs = append(errs, errors.New("ENTRY_BUFFER must not be negative"))
	}
	if c.MinPayout <= 0 {
		errs = append(errs, errors.New("MIN_PAYOUT must be positive"))
	}
	if c.StakeCutoff <= 0 || c.OutcomeTimeout <= 0 {
		errs = append(errs, errors.New("STAKE_CUTOFF and OUTCOME_TIMEOUT must be positive"))
	}
	if c.FinishEarly < 0 {
		errs = append(errs, errors.New("FINISH_EARLY must not be negative"))
	}
	if c.DefaultMartingaleLevels < 0 {
		errs = append(errs, errors.New("DEFAULT_MARTINGALE_LEVELS must not be negative"))
	}
	if c.BaseAmount <= 0 {
		errs = append(errs, errors.New("BASE_AMOUNT must be positive"))
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver))
	}
	if c.PaperWinRate < 0 || c.PaperWinRate > 1 {
		errs = append(errs, errors.New("PAPER_WIN_RATE must be within 0..1"))
	}
	return errors.Join(errs...)
}

func cleanProfiles(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
