// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/agentsim/internal/engine"
	"github.com/roach88/agentsim/internal/history"
	"github.com/roach88/agentsim/internal/jobs"
	"github.com/roach88/agentsim/internal/sandbox"
	"github.com/roach88/agentsim/internal/txn"
)

// Config holds every tunable of a simulation run. Scenario settings and CLI
// flags override individual fields after Load.
type Config struct {
	TickInterval         time.Duration `env:"AGENTSIM_TICK_INTERVAL" envDefault:"500ms"`
	TickDurationMS       int64         `env:"AGENTSIM_TICK_DURATION_MS" envDefault:"100"`
	JobLatencyTicks      int64         `env:"AGENTSIM_JOB_LATENCY_TICKS" envDefault:"3"`
	FeeRateBps           int64         `env:"AGENTSIM_FEE_RATE_BPS" envDefault:"100"`
	FeeFloorMicro        int64         `env:"AGENTSIM_FEE_FLOOR_MICRO" envDefault:"50000"`
	HistoryLimit         int           `env:"AGENTSIM_HISTORY_LIMIT" envDefault:"50"`
	ScriptTimeout        time.Duration `env:"AGENTSIM_SCRIPT_TIMEOUT" envDefault:"2s"`
	LuaInstructionBudget int           `env:"AGENTSIM_LUA_INSTRUCTION_BUDGET" envDefault:"1000000"`
	ActionQuota          int           `env:"AGENTSIM_ACTION_QUOTA" envDefault:"100"`
	DBPath               string        `env:"AGENTSIM_DB_PATH"`
	OTelEndpoint         string        `env:"AGENTSIM_OTEL_ENDPOINT"`
	OTelEnabled          bool          `env:"AGENTSIM_OTEL_ENABLED" envDefault:"true"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration an empty environment produces.
func Default() Config {
	return Config{
		TickInterval:         engine.DefaultInterval,
		TickDurationMS:       engine.DefaultTickDuration,
		JobLatencyTicks:      jobs.DefaultLatencyTicks,
		FeeRateBps:           txn.DefaultFeeRateBps,
		FeeFloorMicro:        txn.DefaultFeeFloor,
		HistoryLimit:         history.DefaultLimit,
		ScriptTimeout:        engine.DefaultScriptTimeout,
		LuaInstructionBudget: sandbox.DefaultInstructionBudget,
		ActionQuota:          engine.DefaultActionQuota,
		OTelEnabled:          true,
	}
}

// Validate rejects values no run could use. Every violation is reported.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("tick interval", c.TickInterval > 0)
	positive("tick duration", c.TickDurationMS > 0)
	positive("script timeout", c.ScriptTimeout > 0)
	positive("lua instruction budget", c.LuaInstructionBudget > 0)
	positive("history limit", c.HistoryLimit > 0)
	if c.JobLatencyTicks < 0 {
		errs = append(errs, errors.New("job latency must not be negative"))
	}
	if c.FeeRateBps < 0 || c.FeeRateBps > 10_000 {
		errs = append(errs, fmt.Errorf("fee rate %d bps out of range [0, 10000]", c.FeeRateBps))
	}
	if c.FeeFloorMicro < 0 {
		errs = append(errs, errors.New("fee floor must not be negative"))
	}
	if c.ActionQuota < 0 {
		errs = append(errs, errors.New("action quota must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// FeePolicy returns the configured settlement fee policy.
func (c Config) FeePolicy() txn.FeePolicy {
	return txn.FeePolicy{RateBps: c.FeeRateBps, FloorMicro: c.FeeFloorMicro}
}

// EngineOptions translates the configuration into engine options.
func (c Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithTickDuration(c.TickDurationMS),
		engine.WithFeePolicy(c.FeePolicy()),
		engine.WithBudget(sandbox.Budget{
			Timeout:      c.ScriptTimeout,
			Instructions: c.LuaInstructionBudget,
		}),
		engine.WithActionQuota(c.ActionQuota),
		engine.WithHistoryLimit(c.HistoryLimit),
		engine.WithJobOptions(jobs.WithLatency(c.JobLatencyTicks)),
	}
}
