// Package diarize partitions a recording into timed speaker turns and
// extracts voice embeddings.
//
// The production path runs sherpa-onnx offline speaker diarization (pyannote
// segmentation plus a speaker embedding extractor). A deterministic mock path
// shares the same type contract so the rest of the pipeline stays exercisable
// when the models are unavailable; model downloads are authenticated
// externally via HUGGINGFACE_TOKEN.
package diarize

import (
	"context"
)

// EmbeddingDim is the dimension of speaker embeddings produced by both the
// production and mock paths.
const EmbeddingDim = 256

// Segment is one homogeneous speaker turn.
type Segment struct {
	// StartSec and EndSec bound the turn in seconds; EndSec > StartSec.
	StartSec float64
	EndSec   float64

	// Speaker is the local speaker label, unique within one Diarize call
	// (e.g. "spk0"). The speaker unifier maps it to a global identity.
	Speaker string

	// Confidence is the turn attribution confidence in [0, 1].
	Confidence float64

	// Embedding is the voice embedding for this turn, unit L2-norm. May be
	// nil when the extractor cannot produce one (turn too short).
	Embedding []float32
}

// Diarizer produces speaker turns and voice embeddings from audio files.
//
// Implementations must be safe for concurrent use; model handles are
// process-global and immutable after init.
type Diarizer interface {
	// Diarize partitions the recording at path into speaker turns.
	// maxSpeakers bounds the number of distinct local labels.
	Diarize(ctx context.Context, path string, maxSpeakers int) ([]Segment, error)

	// Embed computes a single voice embedding over the whole recording at
	// path. Used for voice learning and fingerprint matching.
	Embed(ctx context.Context, path string) ([]float32, error)

	// Close releases model resources.
	Close() error
}
