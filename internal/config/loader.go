package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidSpeechProviders lists the supported speech provider names, plus the
// "auto" selector resolved per recording.
var ValidSpeechProviders = []string{"openai", "azure", "google", "assemblyai", "deepgram"}

// Defaults applied by [Validate] for zero-valued fields.
const (
	DefaultListenAddr          = ":8080"
	DefaultScratchDir          = "/scratch"
	DefaultEmbeddingDimensions = 256
	DefaultMaxConcurrentJobs   = 4
	DefaultMaxProviderCalls    = 10
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides onto cfg. PORT wins over
// server.listen_addr, matching the container contract.
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.ListenAddr = ":" + port
	}
}

// Validate checks that cfg contains a coherent set of values and fills
// defaults for zero-valued fields. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Storage.ScratchDir == "" {
		cfg.Storage.ScratchDir = DefaultScratchDir
	}
	if cfg.Storage.S3Bucket == "" {
		slog.Warn("storage.s3_bucket is empty; job processing requires one")
	}

	if cfg.Fingerprints.EmbeddingDimensions == 0 {
		cfg.Fingerprints.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if cfg.Fingerprints.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("fingerprints.embedding_dimensions %d must be positive", cfg.Fingerprints.EmbeddingDimensions))
	}
	if cfg.Fingerprints.PostgresDSN == "" {
		slog.Warn("fingerprints.postgres_dsn is empty; fingerprints will live in the document store")
	}

	if (cfg.Diarization.SegmentationModel == "") != (cfg.Diarization.EmbeddingModel == "") {
		errs = append(errs, errors.New("diarization: segmentation_model and embedding_model must be configured together"))
	}
	if cfg.Diarization.SegmentationModel == "" && !cfg.Diarization.Mock {
		slog.Warn("no diarization models configured; falling back to the deterministic diarizer")
	}

	for name := range cfg.Providers.Speech {
		if !slices.Contains(ValidSpeechProviders, name) {
			errs = append(errs, fmt.Errorf("providers.speech: unknown provider %q; valid values: %v", name, ValidSpeechProviders))
		}
	}
	for i, name := range cfg.Providers.Fallbacks {
		if !slices.Contains(ValidSpeechProviders, name) {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d]: unknown provider %q", i, name))
			continue
		}
		if _, ok := cfg.Providers.Speech[name]; !ok {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d]: %q has no credentials under providers.speech", i, name))
		}
	}

	if cfg.Jobs.MaxConcurrentJobs == 0 {
		cfg.Jobs.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.Jobs.MaxConcurrentJobs < 0 {
		errs = append(errs, fmt.Errorf("jobs.max_concurrent_jobs %d must be positive", cfg.Jobs.MaxConcurrentJobs))
	}
	if cfg.Jobs.MaxProviderCalls == 0 {
		cfg.Jobs.MaxProviderCalls = DefaultMaxProviderCalls
	}
	if cfg.Jobs.MaxProviderCalls < 0 {
		errs = append(errs, fmt.Errorf("jobs.max_provider_calls %d must be positive", cfg.Jobs.MaxProviderCalls))
	}

	return errors.Join(errs...)
}
