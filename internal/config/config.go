// Package config implements environment-driven configuration loading for
// the orchestrator (spec §6.3), following the teacher's defaults-then-
// override struct pattern (core/webserver/server.go: DefaultServerConfig,
// core/inference/echobeats_engine.go: DefaultEngineConfig) and building the
// process-wide structured logger.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds every environment-driven option named in spec §6.3.
type Config struct {
	TargetAPIKey  string
	TargetModel   string
	TargetBaseURL string

	DraftModel   string
	SpeculationK int
	Temperature  float64
	MaxTokens    int

	EOSTokenIDs   []int64
	MetricsWindow int
	CORSOrigins   []string
	VerifyTimeout time.Duration

	Debug bool
}

// defaultEOSTokenIDs covers common end-of-sequence ids across the target
// families this repository ships a PromptFormatter for (spec §6.3: "default
// covers common end-of-sequence tokens for the supported target families").
var defaultEOSTokenIDs = []int64{2, 0, 100257, 128001, 128009}

// Default returns the configuration's defaults, before any environment
// override is applied — mirrors DefaultServerConfig/DefaultEngineConfig's
// shape in the teacher.
func Default() Config {
	return Config{
		SpeculationK:  8,
		Temperature:   0.7,
		MaxTokens:     512,
		EOSTokenIDs:   append([]int64(nil), defaultEOSTokenIDs...),
		MetricsWindow: 50,
		CORSOrigins:   []string{"*"},
		VerifyTimeout: 30 * time.Second,
	}
}

// Load reads the environment on top of Default(), returning a Precondition-
// style error if a required variable is missing or a value is malformed.
// Required: target_api_key, target_model (spec §6.3).
func Load() (Config, error) {
	c := Default()

	c.TargetAPIKey = os.Getenv("TARGET_API_KEY")
	if c.TargetAPIKey == "" {
		return Config{}, fmt.Errorf("config: TARGET_API_KEY is required")
	}
	c.TargetModel = os.Getenv("TARGET_MODEL")
	if c.TargetModel == "" {
		return Config{}, fmt.Errorf("config: TARGET_MODEL is required")
	}
	c.TargetBaseURL = os.Getenv("TARGET_BASE_URL")
	c.DraftModel = os.Getenv("DRAFT_MODEL")

	if v := os.Getenv("SPECULATION_K"); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: SPECULATION_K: %w", err)
		}
		c.SpeculationK = k
	}
	if v := os.Getenv("TEMPERATURE"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: TEMPERATURE: %w", err)
		}
		c.Temperature = t
	}
	if v := os.Getenv("MAX_TOKENS"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: MAX_TOKENS: %w", err)
		}
		c.MaxTokens = m
	}
	if v := os.Getenv("EOS_TOKEN_IDS"); v != "" {
		ids, err := parseIDList(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: EOS_TOKEN_IDS: %w", err)
		}
		c.EOSTokenIDs = ids
	}
	if v := os.Getenv("METRICS_WINDOW"); v != "" {
		w, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: METRICS_WINDOW: %w", err)
		}
		c.MetricsWindow = w
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("VERIFY_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: VERIFY_TIMEOUT_MS: %w", err)
		}
		c.VerifyTimeout = time.Duration(ms) * time.Millisecond
	}
	c.Debug = os.Getenv("SPECDECODE_DEBUG") == "1"

	return c, nil
}

// EOSSet converts EOSTokenIDs into the lookup shape internal/speculator
// wants.
func (c Config) EOSSet() map[int64]struct{} {
	out := make(map[int64]struct{}, len(c.EOSTokenIDs))
	for _, id := range c.EOSTokenIDs {
		out[id] = struct{}{}
	}
	return out
}

func parseIDList(v string) ([]int64, error) {
	parts := strings.Split(v, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// NewLogger builds the process-wide *zap.Logger: a development config
// (colored, human-readable) when Debug is set, production JSON otherwise —
// the idiomatic upgrade path from the teacher's ad hoc fmt.Printf calls
// across core/inference/*.go.
func NewLogger(c Config) (*zap.Logger, error) {
	if c.Debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
