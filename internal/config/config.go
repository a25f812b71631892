// Package config loads runtime settings from the environment and the
// optional thresholds file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/polzovatel/browser-autopilot/internal/completion"
	"github.com/polzovatel/browser-autopilot/internal/detect"
	"github.com/polzovatel/browser-autopilot/internal/recovery"
)

const (
	envLogLevel   = "AGENT_LOG_LEVEL"
	envThresholds = "AGENT_THRESHOLDS"
	envPlannerRPS = "AGENT_PLANNER_RPS"

	defaultPlannerRPS = 1.0
)

// Loop bounds the controller's external calls.
type Loop struct {
	MaxIterations int           `yaml:"max_iterations"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	PlanTimeout   time.Duration `yaml:"plan_timeout"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

func DefaultLoop() Loop {
	return Loop{
		MaxIterations: 40,
		ReadTimeout:   5 * time.Second,
		PlanTimeout:   90 * time.Second,
		ActionTimeout: 15 * time.Second,
		SettleTimeout: 5 * time.Second,
	}
}

// Thresholds is the tunable part of the configuration. Every field falls
// back to its default when the file leaves it out.
type Thresholds struct {
	Loop       Loop              `yaml:"loop"`
	Detect     detect.Thresholds `yaml:"detect"`
	Recovery   recovery.Config   `yaml:"recovery"`
	Completion completion.Config `yaml:"completion"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Loop:       DefaultLoop(),
		Detect:     detect.DefaultThresholds(),
		Recovery:   recovery.DefaultConfig(),
		Completion: completion.DefaultConfig(),
	}
}

// Config is everything the CLI needs besides the planner credentials, which
// the llm package reads itself.
type Config struct {
	LogLevel       zerolog.Level
	PlannerRPS     float64
	ThresholdsPath string
	Thresholds     Thresholds
}

// Load reads the environment. path overrides AGENT_THRESHOLDS when set.
func Load(path string) (Config, error) {
	cfg := Config{
		LogLevel:   zerolog.InfoLevel,
		PlannerRPS: defaultPlannerRPS,
		Thresholds: DefaultThresholds(),
	}
	if lvl := strings.TrimSpace(os.Getenv(envLogLevel)); lvl != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(lvl))
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envLogLevel, err)
		}
		cfg.LogLevel = parsed
	}
	if raw := strings.TrimSpace(os.Getenv(envPlannerRPS)); raw != "" {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envPlannerRPS, err)
		}
		cfg.PlannerRPS = rps
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv(envThresholds))
	}
	cfg.ThresholdsPath = path
	if path == "" {
		return cfg, nil
	}
	th, err := LoadThresholds(path)
	if err != nil {
		return Config{}, err
	}
	cfg.Thresholds = th
	return cfg, nil
}

// LoadThresholds decodes the YAML file at path over the defaults. A missing
// file yields the defaults.
func LoadThresholds(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultThresholds(), nil
	}
	if err != nil {
		return Thresholds{}, fmt.Errorf("read thresholds: %w", err)
	}
	return ParseThresholds(data)
}

// ParseThresholds decodes YAML over the defaults and validates the result.
func ParseThresholds(data []byte) (Thresholds, error) {
	th := DefaultThresholds()
	if err := yaml.Unmarshal(data, &th); err != nil {
		return Thresholds{}, fmt.Errorf("parse thresholds: %w", err)
	}
	if err := th.Validate(); err != nil {
		return Thresholds{}, err
	}
	return th, nil
}

// Validate rejects settings the controller cannot run with.
func (t Thresholds) Validate() error {
	d := t.Detect
	switch {
	case t.Loop.MaxIterations <= 0:
		return errors.New("thresholds: loop.max_iterations must be positive")
	case d.Stuck <= 0 || d.ImplicitCompletion <= 0 || d.Abort <= 0:
		return errors.New("thresholds: stuck escalation levels must be positive")
	case d.Stuck > d.Abort || d.ImplicitCompletion > d.Abort:
		return fmt.Errorf("thresholds: abort (%d) must not be below stuck (%d) or implicit_completion (%d)", d.Abort, d.Stuck, d.ImplicitCompletion)
	case d.BaseDelay <= 0 || d.MaxDelay < d.BaseDelay:
		return errors.New("thresholds: need 0 < base_delay <= max_delay")
	case d.MinSuccessRate < 0 || d.MinSuccessRate > 1 || d.LowFailureRate < 0 || d.LowFailureRate > 1:
		return errors.New("thresholds: rates must be within [0,1]")
	case t.Recovery.RetryBudget < 0:
		return errors.New("thresholds: recovery.retry_budget must not be negative")
	}
	return nil
}

// Logger builds the console logger used by the CLI.
func (c Config) Logger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(c.LogLevel).
		With().Timestamp().Logger()
}
