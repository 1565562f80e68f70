// Package scenario loads YAML scenario files and builds engines from them.
//
// A scenario names a set of agents with their scripts and starting
// balances, optional engine settings, a tick count and a list of
// assertions that the harness checks against the final state.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/agentsim/internal/engine"
	"github.com/roach88/agentsim/internal/ir"
	"github.com/roach88/agentsim/internal/jobs"
	"github.com/roach88/agentsim/internal/txn"
)

// DefaultTicks is used when a scenario does not set ticks.
const DefaultTicks = 10

// Scenario is a parsed scenario file.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Settings    Settings    `yaml:"settings,omitempty"`
	Agents      []Agent     `yaml:"agents"`
	Ticks       int         `yaml:"ticks,omitempty"`
	Assertions  []Assertion `yaml:"assertions,omitempty"`
}

// Settings override engine defaults. Unset fields keep whatever the caller's
// options configured.
type Settings struct {
	JobLatencyTicks *int64 `yaml:"job_latency_ticks,omitempty"`
	FeeRateBps      *int64 `yaml:"fee_rate_bps,omitempty"`
	FeeFloorMicro   *int64 `yaml:"fee_floor_micro,omitempty"`
	TickDurationMS  *int64 `yaml:"tick_duration_ms,omitempty"`
}

// Agent declares one participant.
//
// Script holds inline source; ScriptFile is read relative to the scenario
// file and replaces Script once loaded.
type Agent struct {
	ID           string      `yaml:"id"`
	Name         string      `yaml:"name"`
	Description  string      `yaml:"description,omitempty"`
	BalanceMicro int64       `yaml:"balance_micro"`
	Language     string      `yaml:"language,omitempty"`
	Script       string      `yaml:"script,omitempty"`
	ScriptFile   string      `yaml:"script_file,omitempty"`
	Position     ir.Position `yaml:"position,omitempty"`
	Enabled      *bool       `yaml:"enabled,omitempty"`
}

// Assertion checks one fact about the final state.
type Assertion struct {
	Type string `yaml:"type"`

	Agent  string `yaml:"agent,omitempty"`
	Equals int64  `yaml:"equals,omitempty"`

	Tx    string `yaml:"tx,omitempty"`
	State string `yaml:"state,omitempty"`

	EventType string `yaml:"event_type,omitempty"`
	Message   string `yaml:"message,omitempty"`
	Count     int    `yaml:"count,omitempty"`

	Job    string `yaml:"job,omitempty"`
	Status string `yaml:"status,omitempty"`
}

// Assertion types.
const (
	AssertBalance    = "balance"
	AssertTxState    = "tx_state"
	AssertTxCount    = "tx_count"
	AssertEventCount = "event_count"
	AssertJobStatus  = "job_status"
)

// Load reads and validates a scenario file. Unknown fields are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a scenario document. script_file paths are resolved against
// baseDir.
func Parse(data []byte, baseDir string) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	for i := range s.Agents {
		a := &s.Agents[i]
		if a.ScriptFile == "" {
			continue
		}
		if a.Script != "" {
			return nil, fmt.Errorf("agents[%d]: script and script_file are mutually exclusive", i)
		}
		path := a.ScriptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("agents[%d]: read script: %w", i, err)
		}
		a.Script = string(src)
	}

	for i := range s.Assertions {
		if st, ok := ir.ParseTxState(s.Assertions[i].State); ok {
			s.Assertions[i].State = string(st)
		}
	}
	if s.Ticks == 0 {
		s.Ticks = DefaultTicks
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate checks required fields and assertion shapes.
func (s *Scenario) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(s.Agents) == 0 {
		errs = append(errs, errors.New("agents list is required and must be non-empty"))
	}
	if s.Ticks < 0 {
		errs = append(errs, errors.New("ticks must not be negative"))
	}

	seen := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("agents[%d]: id is required", i))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		if a.BalanceMicro < 0 {
			errs = append(errs, fmt.Errorf("agents[%d]: balance_micro must not be negative", i))
		}
		switch a.Language {
		case "", ir.LanguageJS, ir.LanguageLua:
		default:
			errs = append(errs, fmt.Errorf("agents[%d]: unsupported language %q", i, a.Language))
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			errs = append(errs, fmt.Errorf("assertions[%d]: %w", i, err))
		}
	}

	st := s.Settings
	if st.JobLatencyTicks != nil && *st.JobLatencyTicks < 1 {
		errs = append(errs, errors.New("settings.job_latency_ticks must be positive"))
	}
	if st.FeeRateBps != nil && *st.FeeRateBps < 0 {
		errs = append(errs, errors.New("settings.fee_rate_bps must not be negative"))
	}
	if st.FeeFloorMicro != nil && *st.FeeFloorMicro < 0 {
		errs = append(errs, errors.New("settings.fee_floor_micro must not be negative"))
	}
	if st.TickDurationMS != nil && *st.TickDurationMS < 1 {
		errs = append(errs, errors.New("settings.tick_duration_ms must be positive"))
	}
	return errors.Join(errs...)
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return errors.New("type is required")
	case AssertBalance:
		if a.Agent == "" {
			return errors.New("balance requires agent")
		}
	case AssertTxState:
		if a.Tx == "" || a.State == "" {
			return errors.New("tx_state requires tx and state")
		}
		if _, ok := ir.ParseTxState(a.State); !ok {
			return fmt.Errorf("unknown transaction state %q", a.State)
		}
	case AssertTxCount:
		if a.State != "" {
			if _, ok := ir.ParseTxState(a.State); !ok {
				return fmt.Errorf("unknown transaction state %q", a.State)
			}
		}
	case AssertEventCount:
		if a.EventType != "" && !ir.EventType(a.EventType).Valid() {
			return fmt.Errorf("unknown event type %q", a.EventType)
		}
	case AssertJobStatus:
		if a.Job == "" || a.Status == "" {
			return errors.New("job_status requires job and status")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// Options returns engine options for the scenario settings. They are meant
// to be appended after any caller defaults so the scenario wins.
func (s *Scenario) Options(base txn.FeePolicy) []engine.Option {
	var opts []engine.Option
	st := s.Settings
	if st.JobLatencyTicks != nil {
		opts = append(opts, engine.WithJobOptions(jobs.WithLatency(*st.JobLatencyTicks)))
	}
	if st.FeeRateBps != nil || st.FeeFloorMicro != nil {
		fees := base
		if st.FeeRateBps != nil {
			fees.RateBps = *st.FeeRateBps
		}
		if st.FeeFloorMicro != nil {
			fees.FloorMicro = *st.FeeFloorMicro
		}
		opts = append(opts, engine.WithFeePolicy(fees))
	}
	if st.TickDurationMS != nil {
		opts = append(opts, engine.WithTickDuration(*st.TickDurationMS))
	}
	return opts
}

// Build creates an engine with opts followed by the scenario settings, adds
// the agents in file order, and marks the result as the reset baseline.
// fees is the policy that partial fee settings are merged into.
func Build(s *Scenario, fees txn.FeePolicy, opts ...engine.Option) (*engine.Engine, error) {
	all := append([]engine.Option{engine.WithFeePolicy(fees)}, opts...)
	e := engine.New(append(all, s.Options(fees)...)...)

	for _, a := range s.Agents {
		agent := ir.Agent{
			ID:           a.ID,
			Name:         a.Name,
			Description:  a.Description,
			BalanceMicro: a.BalanceMicro,
			Status:       ir.AgentIdle,
			Language:     a.Language,
			Script:       a.Script,
		}
		if agent.Name == "" {
			agent.Name = a.ID
		}
		if err := e.AddAgent(agent, a.Position); err != nil {
			return nil, fmt.Errorf("add agent %s: %w", a.ID, err)
		}
		if a.Enabled != nil && !*a.Enabled {
			if err := e.SetEnabled(a.ID, false); err != nil {
				return nil, err
			}
		}
	}
	e.SetBaseline()
	return e, nil
}
