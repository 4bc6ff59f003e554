// Package speech defines the Provider interface for batch speech-recognition
// backends.
//
// A speech provider wraps a prerecorded-audio transcription service (e.g.
// OpenAI Whisper, Deepgram, AssemblyAI, Azure Speech, or Google Speech) and
// exposes a uniform request/response interface. Unlike streaming STT, a batch
// provider takes a path to a finished audio file and returns a single
// [Result] with the full text plus segment and word timing detail where the
// backend supports it.
//
// Implementations must be safe for concurrent use. Multiple transcriptions
// may be in flight simultaneously (e.g., one per diarized segment in a batch).
package speech

import (
	"context"
	"time"
)

// Config describes the credentials and recognition defaults for one provider
// account. It mirrors the per-user provider configuration documents stored in
// the document store.
type Config struct {
	// Provider is the backend identifier: "openai", "azure", "google",
	// "assemblyai", or "deepgram".
	Provider string `json:"provider"`

	// APIKey is the secret used to authenticate against the backend.
	APIKey string `json:"api_key"`

	// Model is the backend-specific model name (e.g. "whisper-1", "nova-2").
	// An empty string selects the provider's default.
	Model string `json:"model"`

	// Language is the BCP-47 language tag for recognition (e.g. "ja-JP",
	// "en-US"). Providers that take a bare ISO-639 code derive it from the
	// primary subtag.
	Language string `json:"language"`

	// Settings holds provider-specific extras such as the Azure region.
	Settings map[string]string `json:"settings,omitempty"`
}

// Result is a normalized transcription result. All providers map their native
// response shape onto this type so downstream merging code never needs to
// know which backend produced a segment.
type Result struct {
	// Text is the full transcribed text.
	Text string

	// Confidence is the overall confidence score in [0, 1]. Providers that do
	// not report one use a documented per-provider default.
	Confidence float64

	// Segments contains utterance-level timing detail when available.
	Segments []Segment

	// Language is the recognition language actually used.
	Language string

	// ProcessingTime is the wall-clock duration of the provider call.
	ProcessingTime time.Duration

	// Provider is the backend identifier that produced this result.
	Provider string

	// Model is the backend model that produced this result.
	Model string

	// Words contains word-level timing detail when available. Nil for
	// backends without word timestamps.
	Words []Word

	// Error carries the sentinel error text for segments whose transcription
	// failed inside a batch. Empty for successful results.
	Error string
}

// Segment is an utterance-level slice of a transcription with timing.
type Segment struct {
	// Start is the segment start in seconds from the beginning of the input.
	Start float64

	// End is the segment end in seconds.
	End float64

	// Text is the transcribed content of this segment.
	Text string

	// Confidence is the segment confidence in [0, 1].
	Confidence float64
}

// Word holds word-level timing from backends that support it.
type Word struct {
	Word       string
	Start      float64
	End        float64
	Confidence float64
}

// Provider is the abstraction over any batch speech-recognition backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the backend identifier (e.g. "openai", "deepgram"). It is
	// used for logging, metrics attributes, and result attribution.
	Name() string

	// Transcribe recognizes the entire audio file at audioPath and returns a
	// normalized Result. The file should be mono 16 kHz PCM16 WAV; providers
	// that accept other formats may relax this.
	Transcribe(ctx context.Context, audioPath string) (*Result, error)

	// TranscribeSegment recognizes only the [startSec, endSec) slice of the
	// audio file. Implementations typically extract the slice to a temporary
	// file and delegate to Transcribe.
	TranscribeSegment(ctx context.Context, audioPath string, startSec, endSec float64) (*Result, error)
}

// ClampConfidence bounds v to the [0, 1] range. Backends occasionally report
// values slightly outside it (e.g. Whisper avg_logprob normalization).
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
