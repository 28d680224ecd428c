// Package config loads the conductor's configuration in three layers:
// built-in defaults, environment variables, then functional options, in
// that priority order — mirroring the teacher framework's Config/LoadFromEnv
// pattern but with the explicit key set spec'd for this system.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/conductorhq/conductor/internal/logging"
)

// PhaseThresholds holds the per-phase quality gate thresholds consumed by
// the refinement controller.
type PhaseThresholds struct {
	Specification float64
	Planning      float64
	Implementation float64
	Validation    float64
}

// VerifierWeights holds the four quality-dimension weights; they must sum to
// 1 within a tolerance of 0.01.
type VerifierWeights struct {
	Completeness            float64
	ConstitutionalCompliance float64
	TestCoverage            float64
	SpecAlignment           float64
}

// Config is the fully-resolved runtime configuration for the conductor core.
type Config struct {
	// Refinement (C6)
	MaxRefinementRounds  int
	EarlyStopThreshold   float64
	PhaseThresholds      PhaseThresholds
	VerifierWeights      VerifierWeights

	// Feedback (C4)
	FeedbackArchiveThreshold int

	// Persistence (C9)
	StoreRoot string
	RedisURL  string

	// Logging
	LogFormat string // "json" | "text"
	LogLevel  string // "debug" | "info" | "warn" | "error"

	// Optional LLM-assisted scoring (aiclient)
	AIEnabled bool
	OpenAIAPIKey string
	OpenAIModel  string

	logger logging.Logger
}

// Option mutates a Config after defaults and environment variables have
// been applied, taking final precedence.
type Option func(*Config)

// WithLogger attaches a logger used only while loading (to report which
// keys were picked up). Nothing else in the resolved Config uses it.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.logger = l }
}

func WithStoreRoot(root string) Option {
	return func(c *Config) { c.StoreRoot = root }
}

func WithMaxRefinementRounds(n int) Option {
	return func(c *Config) { c.MaxRefinementRounds = n }
}

func WithEarlyStopThreshold(v float64) Option {
	return func(c *Config) { c.EarlyStopThreshold = v }
}

func WithAIEnabled(enabled bool) Option {
	return func(c *Config) { c.AIEnabled = enabled }
}

// defaults returns the built-in baseline before env vars or options apply.
// These values are exactly spec §6's documented defaults.
func defaults() *Config {
	return &Config{
		MaxRefinementRounds: 20,
		EarlyStopThreshold:  0.95,
		PhaseThresholds: PhaseThresholds{
			Specification:  0.90,
			Planning:       0.85,
			Implementation: 0.80,
			Validation:     0.80,
		},
		VerifierWeights: VerifierWeights{
			Completeness:             0.25,
			ConstitutionalCompliance: 0.30,
			TestCoverage:             0.25,
			SpecAlignment:            0.20,
		},
		FeedbackArchiveThreshold: 1000,
		StoreRoot:                "./conductor-data",
		LogFormat:                "json",
		LogLevel:                 "info",
		AIEnabled:                false,
		OpenAIModel:              "gpt-4o-mini",
		logger:                   logging.NoOpLogger{},
	}
}

// Load resolves configuration: defaults, then a best-effort ".env" load (via
// godotenv, silently ignored if the file is absent — matching the teacher's
// convenience loading), then environment variables, then opts, then
// validation.
func Load(opts ...Option) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	c := defaults()
	// Options run once before the environment is read, so a WithLogger
	// logger sees the load, and again afterwards so they take precedence.
	for _, opt := range opts {
		opt(c)
	}
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFromEnv() error {
	loaded := 0
	logf := func(key string) {
		loaded++
		if c.logger != nil {
			c.logger.Debug("configuration loaded", map[string]interface{}{"source": key})
		}
	}
	warnf := func(key, v string, err error) {
		if c.logger != nil {
			c.logger.Warn("invalid value in environment variable, keeping default", map[string]interface{}{
				"key": key, "value": v, "error": err.Error(),
			})
		}
	}

	if v := os.Getenv("MAX_REFINEMENT_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxRefinementRounds = n
			logf("MAX_REFINEMENT_ROUNDS")
		} else if err != nil {
			warnf("MAX_REFINEMENT_ROUNDS", v, err)
		}
	}
	if v := os.Getenv("EARLY_STOP_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.EarlyStopThreshold = f
			logf("EARLY_STOP_THRESHOLD")
		} else {
			warnf("EARLY_STOP_THRESHOLD", v, err)
		}
	}
	if v := os.Getenv("SPEC_COMPLETENESS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.PhaseThresholds.Specification = f
			logf("SPEC_COMPLETENESS_THRESHOLD")
		} else {
			warnf("SPEC_COMPLETENESS_THRESHOLD", v, err)
		}
	}
	if v := os.Getenv("PLAN_QUALITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.PhaseThresholds.Planning = f
			logf("PLAN_QUALITY_THRESHOLD")
		} else {
			warnf("PLAN_QUALITY_THRESHOLD", v, err)
		}
	}
	if v := os.Getenv("CODE_QUALITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.PhaseThresholds.Implementation = f
			logf("CODE_QUALITY_THRESHOLD")
		} else {
			warnf("CODE_QUALITY_THRESHOLD", v, err)
		}
	}
	if v := os.Getenv("TEST_COVERAGE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.PhaseThresholds.Validation = f
			logf("TEST_COVERAGE_THRESHOLD")
		} else {
			warnf("TEST_COVERAGE_THRESHOLD", v, err)
		}
	}
	if v := os.Getenv("VERIFIER_WEIGHT_COMPLETENESS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.VerifierWeights.Completeness = f
			logf("VERIFIER_WEIGHT_COMPLETENESS")
		} else {
			warnf("VERIFIER_WEIGHT_COMPLETENESS", v, err)
		}
	}
	if v := os.Getenv("VERIFIER_WEIGHT_CONSTITUTIONAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.VerifierWeights.ConstitutionalCompliance = f
			logf("VERIFIER_WEIGHT_CONSTITUTIONAL")
		} else {
			warnf("VERIFIER_WEIGHT_CONSTITUTIONAL", v, err)
		}
	}
	if v := os.Getenv("VERIFIER_WEIGHT_TEST_COVERAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.VerifierWeights.TestCoverage = f
			logf("VERIFIER_WEIGHT_TEST_COVERAGE")
		} else {
			warnf("VERIFIER_WEIGHT_TEST_COVERAGE", v, err)
		}
	}
	if v := os.Getenv("VERIFIER_WEIGHT_SPEC_ALIGNMENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.VerifierWeights.SpecAlignment = f
			logf("VERIFIER_WEIGHT_SPEC_ALIGNMENT")
		} else {
			warnf("VERIFIER_WEIGHT_SPEC_ALIGNMENT", v, err)
		}
	}
	if v := os.Getenv("FEEDBACK_ARCHIVE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FeedbackArchiveThreshold = n
			logf("FEEDBACK_ARCHIVE_THRESHOLD")
		} else if err != nil {
			warnf("FEEDBACK_ARCHIVE_THRESHOLD", v, err)
		}
	}
	if v := os.Getenv("CONDUCTOR_STORE_ROOT"); v != "" {
		c.StoreRoot = v
		logf("CONDUCTOR_STORE_ROOT")
	}
	if v := os.Getenv("CONDUCTOR_REDIS_URL"); v != "" {
		c.RedisURL = v
		logf("CONDUCTOR_REDIS_URL")
	}
	if v := os.Getenv("CONDUCTOR_LOG_FORMAT"); v != "" {
		c.LogFormat = v
		logf("CONDUCTOR_LOG_FORMAT")
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		c.LogLevel = v
		logf("CONDUCTOR_LOG_LEVEL")
	}
	if v := os.Getenv("CONDUCTOR_AI_ENABLED"); v != "" {
		c.AIEnabled = parseBool(v)
		logf("CONDUCTOR_AI_ENABLED")
	}
	if v := os.Getenv("CONDUCTOR_OPENAI_API_KEY"); v != "" {
		c.OpenAIAPIKey = v
		logf("CONDUCTOR_OPENAI_API_KEY")
	}
	if v := os.Getenv("CONDUCTOR_OPENAI_MODEL"); v != "" {
		c.OpenAIModel = v
		logf("CONDUCTOR_OPENAI_MODEL")
	}

	if c.logger != nil {
		c.logger.Info("configuration loaded from environment", map[string]interface{}{"vars_loaded": loaded})
	}
	return nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// validate enforces the invariants configuration must hold before anything
// else starts: thresholds in range, weights summing to ~1, positive caps.
func (c *Config) validate() error {
	if c.MaxRefinementRounds <= 0 {
		return fmt.Errorf("config: MAX_REFINEMENT_ROUNDS must be > 0, got %d", c.MaxRefinementRounds)
	}
	if c.FeedbackArchiveThreshold <= 0 {
		return fmt.Errorf("config: FEEDBACK_ARCHIVE_THRESHOLD must be > 0, got %d", c.FeedbackArchiveThreshold)
	}
	sum := c.VerifierWeights.Completeness + c.VerifierWeights.ConstitutionalCompliance +
		c.VerifierWeights.TestCoverage + c.VerifierWeights.SpecAlignment
	if diff := sum - 1.0; diff < -0.01 || diff > 0.01 {
		return fmt.Errorf("config: verifier weights must sum to 1 +/- 0.01, got %.4f", sum)
	}
	for name, v := range map[string]float64{
		"specification":  c.PhaseThresholds.Specification,
		"planning":       c.PhaseThresholds.Planning,
		"implementation": c.PhaseThresholds.Implementation,
		"validation":     c.PhaseThresholds.Validation,
		"early_stop":     c.EarlyStopThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: threshold %q must be in [0,1], got %.4f", name, v)
		}
	}
	return nil
}

// ThresholdForPhase returns the configured quality threshold for a phase
// name ("specification" | "planning" | "implementation" | "validation").
func (c *Config) ThresholdForPhase(phase string) float64 {
	switch phase {
	case "specification":
		return c.PhaseThresholds.Specification
	case "planning":
		return c.PhaseThresholds.Planning
	case "implementation":
		return c.PhaseThresholds.Implementation
	case "validation":
		return c.PhaseThresholds.Validation
	default:
		return c.PhaseThresholds.Implementation
	}
}
