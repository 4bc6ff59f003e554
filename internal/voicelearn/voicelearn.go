// Package voicelearn enrolls a user's voice. An uploaded sample is
// preconditioned, quality-gated, embedded, and folded into the user's stored
// voice fingerprint so later jobs can tag that speaker as "self".
package voicelearn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/audio"
	"github.com/Skyjoy0512/voicenote/internal/fingerprint"
	"github.com/Skyjoy0512/voicenote/internal/observe"
)

// MaxDurationSec caps the learning sample length. Longer uploads are trimmed,
// not rejected.
const MaxDurationSec = 600

// Preconditioner converts an upload into mono 16 kHz PCM16 WAV. Implemented
// by [audio.Preprocessor].
type Preconditioner interface {
	Precondition(ctx context.Context, path string) (string, int, error)
}

// Embedder produces a voice embedding for a recording. Satisfied by any
// [diarize.Diarizer].
type Embedder interface {
	Embed(ctx context.Context, path string) ([]float32, error)
}

// Result summarizes one learning pass.
type Result struct {
	QualityScore     float64 `json:"quality_score"`
	AudioDurationSec float64 `json:"audio_duration"`
	AudioCount       int     `json:"audio_count"`
	Status           string  `json:"status"`
}

// Service runs voice enrollment.
type Service struct {
	Fingerprints fingerprint.Store
	Embedder     Embedder
	Preprocessor Preconditioner

	// ScratchDir holds the temporary sample files. Empty means os.TempDir.
	ScratchDir string

	Metrics *observe.Metrics
	Log     *slog.Logger
}

func (s *Service) metrics() *observe.Metrics {
	if s.Metrics != nil {
		return s.Metrics
	}
	return observe.DefaultMetrics()
}

func (s *Service) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Learn folds the raw audio sample into userID's voice fingerprint. Samples
// scoring below the quality gate return KindInvalidInput and leave the
// fingerprint untouched.
func (s *Service) Learn(ctx context.Context, userID string, audioData []byte, sessionID string) (*Result, error) {
	log := s.logger().With("user_id", userID, "session_id", sessionID)

	dir := s.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	raw := filepath.Join(dir, "voicelearn-"+uuid.NewString())
	if err := os.WriteFile(raw, audioData, 0o600); err != nil {
		return nil, s.outcome("error", fmt.Errorf("voicelearn: write sample: %w", err))
	}
	defer os.Remove(raw)

	path, rate, err := s.Preprocessor.Precondition(ctx, raw)
	if err != nil {
		return nil, s.outcome("error", apperr.Wrap(apperr.KindInvalidInput, "voicelearn: precondition sample", err))
	}
	if path != raw {
		defer os.Remove(path)
	}

	samples, rate, err := audio.ReadWAV(path)
	if err != nil {
		return nil, s.outcome("error", apperr.Wrap(apperr.KindInvalidInput, "voicelearn: decode sample", err))
	}

	if maxSamples := MaxDurationSec * rate; len(samples) > maxSamples {
		log.Warn("learning sample too long, trimming",
			"duration_sec", float64(len(samples))/float64(rate), "limit_sec", MaxDurationSec)
		samples = samples[:maxSamples]
		trimmed := filepath.Join(dir, "voicelearn-"+uuid.NewString()+"-trimmed.wav")
		if err := os.WriteFile(trimmed, audio.EncodeWAV(samples, rate), 0o600); err != nil {
			return nil, s.outcome("error", fmt.Errorf("voicelearn: write trimmed sample: %w", err))
		}
		defer os.Remove(trimmed)
		path = trimmed
	}
	durationSec := float64(len(samples)) / float64(rate)

	quality := fingerprint.QualityScore(samples, rate)
	if quality < fingerprint.MinQuality {
		return nil, s.outcome("rejected", apperr.Newf(apperr.KindInvalidInput,
			"voicelearn: audio quality %.2f below the %.2f gate", quality, fingerprint.MinQuality))
	}

	embedding, err := s.Embedder.Embed(ctx, path)
	if err != nil {
		return nil, s.outcome("error", fmt.Errorf("voicelearn: embed sample: %w", err))
	}

	var fp *fingerprint.Fingerprint
	if err := apperr.Retry(ctx, apperr.RetryConfig{}, func() error {
		var uErr error
		fp, uErr = s.Fingerprints.Update(ctx, userID, embedding, quality)
		return uErr
	}); err != nil {
		return nil, s.outcome("error", fmt.Errorf("voicelearn: update fingerprint: %w", err))
	}

	s.metrics().FingerprintUpdates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", "updated")))
	log.Info("voice fingerprint updated",
		"quality_score", quality, "audio_count", fp.AudioCount, "duration_sec", durationSec)

	return &Result{
		QualityScore:     quality,
		AudioDurationSec: durationSec,
		AudioCount:       fp.AudioCount,
		Status:           "success",
	}, nil
}

// Stats reports the stored fingerprint's bookkeeping for userID.
func (s *Service) Stats(ctx context.Context, userID string) (fingerprint.Stats, error) {
	return s.Fingerprints.Stats(ctx, userID)
}

// outcome records a failed or rejected pass and passes the error through.
func (s *Service) outcome(kind string, err error) error {
	s.metrics().FingerprintUpdates.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", kind)))
	return err
}
