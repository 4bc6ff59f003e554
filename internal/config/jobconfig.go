package config

import (
	"fmt"
	"slices"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
)

// JobConfig is the per-request processing configuration supplied with each
// transcription job. Absent keys take the documented defaults; unknown keys
// are rejected so typos do not silently change behavior.
type JobConfig struct {
	// ChunkThresholdSec activates chunking above this duration.
	ChunkThresholdSec float64 `json:"chunk_threshold_sec"`

	// ChunkWindowSec is the chunk window size.
	ChunkWindowSec float64 `json:"chunk_window_sec"`

	// OverlapSec is the successive-chunk overlap.
	OverlapSec float64 `json:"overlap_sec"`

	// MaxSpeakers bounds diarization clusters.
	MaxSpeakers int `json:"max_speakers"`

	// Language is the BCP-47 tag passed to the provider.
	Language string `json:"language"`

	// SpeechProvider names the primary provider, or "auto" for selection
	// from recording characteristics.
	SpeechProvider string `json:"speech_provider"`

	// SpeechModel overrides the provider's default model.
	SpeechModel string `json:"speech_model"`

	// UserMatchThreshold is the cosine floor for naming a cluster "self".
	UserMatchThreshold float64 `json:"user_match_threshold"`

	// OverlapDedupeThreshold is the overlap ratio above which sibling
	// segments count as duplicates.
	OverlapDedupeThreshold float64 `json:"overlap_dedupe_threshold"`

	// ProviderSet records whether the request named a provider explicitly.
	// When false, a stored per-user provider configuration may override the
	// default.
	ProviderSet bool `json:"-"`
}

// DefaultJobConfig returns the documented per-job defaults.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		ChunkThresholdSec:      1800,
		ChunkWindowSec:         1800,
		OverlapSec:             300,
		MaxSpeakers:            5,
		Language:               "ja-JP",
		SpeechProvider:         "openai",
		UserMatchThreshold:     0.80,
		OverlapDedupeThreshold: 0.80,
	}
}

// jobConfigKeys maps accepted request keys to their setters.
var jobConfigKeys = map[string]func(*JobConfig, any) error{
	"chunk_threshold_sec":      func(c *JobConfig, v any) error { return setFloat(&c.ChunkThresholdSec, v) },
	"chunk_window_sec":         func(c *JobConfig, v any) error { return setFloat(&c.ChunkWindowSec, v) },
	"overlap_sec":              func(c *JobConfig, v any) error { return setFloat(&c.OverlapSec, v) },
	"max_speakers":             func(c *JobConfig, v any) error { return setInt(&c.MaxSpeakers, v) },
	"language":                 func(c *JobConfig, v any) error { return setString(&c.Language, v) },
	"speech_provider":          func(c *JobConfig, v any) error { return setString(&c.SpeechProvider, v) },
	"speech_model":             func(c *JobConfig, v any) error { return setString(&c.SpeechModel, v) },
	"user_match_threshold":     func(c *JobConfig, v any) error { return setFloat(&c.UserMatchThreshold, v) },
	"overlap_dedupe_threshold": func(c *JobConfig, v any) error { return setFloat(&c.OverlapDedupeThreshold, v) },
}

// ParseJobConfig merges raw request values over the defaults. Unknown keys,
// wrong value types, and incoherent combinations return KindInvalidInput.
func ParseJobConfig(raw map[string]any) (JobConfig, error) {
	cfg := DefaultJobConfig()
	for key, value := range raw {
		set, ok := jobConfigKeys[key]
		if !ok {
			return JobConfig{}, apperr.Newf(apperr.KindInvalidInput, "config: unknown job config key %q", key)
		}
		if err := set(&cfg, value); err != nil {
			return JobConfig{}, apperr.Wrap(apperr.KindInvalidInput, fmt.Sprintf("config: key %q", key), err)
		}
	}
	if _, ok := raw["speech_provider"]; ok {
		cfg.ProviderSet = true
	}
	if err := cfg.Validate(); err != nil {
		return JobConfig{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and provider names.
func (c JobConfig) Validate() error {
	if c.ChunkWindowSec <= 0 || c.OverlapSec < 0 || c.OverlapSec >= c.ChunkWindowSec {
		return apperr.Newf(apperr.KindInvalidInput,
			"config: chunk_window_sec %g must exceed overlap_sec %g", c.ChunkWindowSec, c.OverlapSec)
	}
	if c.ChunkThresholdSec <= 0 {
		return apperr.Newf(apperr.KindInvalidInput, "config: chunk_threshold_sec %g must be positive", c.ChunkThresholdSec)
	}
	if c.MaxSpeakers < 1 {
		return apperr.Newf(apperr.KindInvalidInput, "config: max_speakers %d must be at least 1", c.MaxSpeakers)
	}
	if c.UserMatchThreshold < 0 || c.UserMatchThreshold > 1 {
		return apperr.Newf(apperr.KindInvalidInput, "config: user_match_threshold %g outside [0, 1]", c.UserMatchThreshold)
	}
	if c.OverlapDedupeThreshold < 0 || c.OverlapDedupeThreshold > 1 {
		return apperr.Newf(apperr.KindInvalidInput, "config: overlap_dedupe_threshold %g outside [0, 1]", c.OverlapDedupeThreshold)
	}
	if c.SpeechProvider != "auto" && !slices.Contains(ValidSpeechProviders, c.SpeechProvider) {
		return apperr.Newf(apperr.KindInvalidInput, "config: speech_provider %q; valid values: auto, %v",
			c.SpeechProvider, ValidSpeechProviders)
	}
	return nil
}

func setFloat(dst *float64, v any) error {
	switch n := v.(type) {
	case float64:
		*dst = n
	case int:
		*dst = float64(n)
	default:
		return fmt.Errorf("expected number, got %T", v)
	}
	return nil
}

func setInt(dst *int, v any) error {
	switch n := v.(type) {
	case int:
		*dst = n
	case float64:
		if n != float64(int(n)) {
			return fmt.Errorf("expected integer, got %v", n)
		}
		*dst = int(n)
	default:
		return fmt.Errorf("expected integer, got %T", v)
	}
	return nil
}

func setString(dst *string, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	*dst = s
	return nil
}
