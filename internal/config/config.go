// Package config provides the configuration schema, loader, and speech
// provider registry for the VoiceNote transcription service.
package config

// LogLevel controls log verbosity for the VoiceNote server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for VoiceNote.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Storage      StorageConfig     `yaml:"storage"`
	Fingerprints FingerprintConfig `yaml:"fingerprints"`
	Diarization  DiarizationConfig `yaml:"diarization"`
	Providers    ProvidersConfig   `yaml:"providers"`
	Jobs         JobsConfig        `yaml:"jobs"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	// The PORT environment variable, when set, takes precedence.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// StorageConfig locates source audio and the metadata document store.
type StorageConfig struct {
	// S3Bucket is the bucket holding uploaded recordings under
	// users/{user_id}/audios/{audio_id}.
	S3Bucket string `yaml:"s3_bucket"`

	// S3Prefix is an optional key prefix inside the bucket.
	S3Prefix string `yaml:"s3_prefix"`

	// ScratchDir is the root for per-job scratch directories.
	// Default "/scratch".
	ScratchDir string `yaml:"scratch_dir"`

	// BadgerDir is the on-disk location of the metadata document store.
	// Empty runs the store in memory (useful for tests and dev).
	BadgerDir string `yaml:"badger_dir"`

	// FFmpegPath overrides the ffmpeg binary used for preprocessing and
	// chunk extraction. Empty resolves "ffmpeg" from PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// FingerprintConfig configures the voice-fingerprint store.
type FingerprintConfig struct {
	// PostgresDSN is the connection string for the pgvector fingerprint
	// store. Empty keeps fingerprints in the document store instead.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension of speaker embeddings.
	// Must match the diarization embedding model. Default 256.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// DiarizationConfig locates the speaker diarization models.
type DiarizationConfig struct {
	// SegmentationModel is the pyannote segmentation onnx model path.
	SegmentationModel string `yaml:"segmentation_model"`

	// EmbeddingModel is the speaker embedding extractor onnx model path.
	EmbeddingModel string `yaml:"embedding_model"`

	// Provider is the onnxruntime execution provider. Default "cpu".
	Provider string `yaml:"provider"`

	// NumThreads for inference. Default 2.
	NumThreads int `yaml:"num_threads"`

	// Mock switches to the deterministic diarizer. Implied when no model
	// paths are configured.
	Mock bool `yaml:"mock"`
}

// ProvidersConfig declares credentials per speech provider and the
// process-wide fallback order.
type ProvidersConfig struct {
	// Speech maps provider names (openai, azure, google, assemblyai,
	// deepgram) to their credentials. Per-user apiConfigs documents
	// override these at job time.
	Speech map[string]ProviderEntry `yaml:"speech"`

	// Fallbacks lists provider names tried, in order, after the job's
	// primary provider fails.
	Fallbacks []string `yaml:"fallbacks"`
}

// ProviderEntry is the common configuration block shared by all speech
// providers.
type ProviderEntry struct {
	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// Model selects a specific model within the provider (e.g.,
	// "whisper-1", "nova-2").
	Model string `yaml:"model"`

	// Region is the service region for providers that need one (azure).
	Region string `yaml:"region"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Options holds provider-specific string settings not covered by the
	// standard fields above.
	Options map[string]string `yaml:"options"`
}

// JobsConfig bounds pipeline concurrency.
type JobsConfig struct {
	// MaxConcurrentJobs caps jobs processed in parallel. Default 4.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// MaxProviderCalls caps provider requests in flight across all jobs.
	// Default 10.
	MaxProviderCalls int `yaml:"max_provider_calls"`
}
