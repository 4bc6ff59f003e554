package diarize

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/audio"
)

// SherpaConfig locates the onnx models for the production diarizer.
type SherpaConfig struct {
	// SegmentationModel is the pyannote segmentation onnx model path.
	SegmentationModel string

	// EmbeddingModel is the speaker embedding extractor onnx model path.
	EmbeddingModel string

	// NumThreads for inference. Zero means 2.
	NumThreads int

	// Provider is the onnxruntime execution provider ("cpu", "cuda",
	// "coreml"). Falls back to cpu when model init fails on another
	// provider.
	Provider string

	// ClusterThreshold for auto speaker counting. Zero means 0.5.
	ClusterThreshold float32
}

// Sherpa runs offline speaker diarization and embedding extraction with
// sherpa-onnx. Inference on the underlying handles is not reentrant, so all
// calls serialize on a mutex.
type Sherpa struct {
	mu        sync.Mutex
	diarizer  *sherpa.OfflineSpeakerDiarization
	extractor *sherpa.SpeakerEmbeddingExtractor
	log       *slog.Logger
}

var _ Diarizer = (*Sherpa)(nil)

// NewSherpa loads the segmentation and embedding models. When init fails on a
// hardware provider it retries once on cpu before giving up.
func NewSherpa(cfg SherpaConfig, log *slog.Logger) (*Sherpa, error) {
	if cfg.SegmentationModel == "" || cfg.EmbeddingModel == "" {
		return nil, apperr.New(apperr.KindInvalidInput, "diarize: segmentation and embedding model paths are required")
	}
	if log == nil {
		log = slog.Default()
	}
	threads := cfg.NumThreads
	if threads == 0 {
		threads = 2
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "cpu"
	}
	threshold := cfg.ClusterThreshold
	if threshold == 0 {
		threshold = 0.5
	}

	sherpaConfig := &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: cfg.SegmentationModel,
			},
			NumThreads: threads,
			Provider:   provider,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      cfg.EmbeddingModel,
			NumThreads: threads,
			Provider:   provider,
		},
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: -1,
			Threshold:   threshold,
		},
		MinDurationOn:  0.3,
		MinDurationOff: 0.5,
	}

	diarizer := sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
	if diarizer == nil && provider != "cpu" {
		log.Warn("diarization init failed, retrying on cpu", "provider", provider)
		sherpaConfig.Segmentation.Provider = "cpu"
		sherpaConfig.Embedding.Provider = "cpu"
		provider = "cpu"
		diarizer = sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
	}
	if diarizer == nil {
		return nil, apperr.Newf(apperr.KindFatal, "diarize: cannot load models %q / %q",
			cfg.SegmentationModel, cfg.EmbeddingModel)
	}

	extractorConfig := sherpa.SpeakerEmbeddingExtractorConfig{
		Model:      cfg.EmbeddingModel,
		NumThreads: threads,
		Provider:   provider,
	}
	extractor := sherpa.NewSpeakerEmbeddingExtractor(&extractorConfig)
	if extractor == nil {
		sherpa.DeleteOfflineSpeakerDiarization(diarizer)
		return nil, apperr.Newf(apperr.KindFatal, "diarize: cannot load embedding model %q", cfg.EmbeddingModel)
	}

	log.Info("diarization models loaded",
		"segmentation", cfg.SegmentationModel,
		"embedding", cfg.EmbeddingModel,
		"provider", provider)
	return &Sherpa{diarizer: diarizer, extractor: extractor, log: log}, nil
}

// Diarize partitions the recording at path into speaker turns and attaches a
// voice embedding to each turn.
func (s *Sherpa) Diarize(ctx context.Context, path string, maxSpeakers int) ([]Segment, error) {
	samples, rate, err := loadSamples(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if want := s.diarizer.SampleRate(); rate != want {
		return nil, apperr.Newf(apperr.KindInvalidInput,
			"diarize: sample rate %d, models expect %d", rate, want)
	}

	raw := s.diarizer.Process(samples)
	segments := make([]Segment, 0, len(raw))
	for _, seg := range raw {
		if maxSpeakers > 0 && seg.Speaker >= maxSpeakers {
			// Fold excess clusters into the last allowed label.
			seg.Speaker = maxSpeakers - 1
		}
		start, end := float64(seg.Start), float64(seg.End)
		out := Segment{
			StartSec:   start,
			EndSec:     end,
			Speaker:    fmt.Sprintf("spk%d", seg.Speaker),
			Confidence: 0.9,
		}
		lo, hi := int(start*float64(rate)), int(end*float64(rate))
		if hi > len(samples) {
			hi = len(samples)
		}
		if hi > lo {
			out.Embedding = normalize32(s.embedLocked(rate, samples[lo:hi]))
		}
		segments = append(segments, out)
	}
	return segments, nil
}

// Embed computes one voice embedding over the whole recording.
func (s *Sherpa) Embed(ctx context.Context, path string) ([]float32, error) {
	samples, rate, err := loadSamples(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	emb := normalize32(s.embedLocked(rate, samples))
	if emb == nil {
		return nil, apperr.Newf(apperr.KindInvalidInput, "diarize: no embedding produced for %q", path)
	}
	return emb, nil
}

// embedLocked runs the extractor on raw samples. Caller holds s.mu.
func (s *Sherpa) embedLocked(rate int, samples []float32) []float32 {
	stream := s.extractor.CreateStream()
	defer sherpa.DeleteOnlineStream(stream)

	stream.AcceptWaveform(rate, samples)
	stream.InputFinished()
	if !s.extractor.IsReady(stream) {
		return nil
	}
	return s.extractor.Compute(stream)
}

// Close releases the model handles. Not safe to call concurrently with
// Diarize or Embed.
func (s *Sherpa) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.diarizer != nil {
		sherpa.DeleteOfflineSpeakerDiarization(s.diarizer)
		s.diarizer = nil
	}
	if s.extractor != nil {
		sherpa.DeleteSpeakerEmbeddingExtractor(s.extractor)
		s.extractor = nil
	}
	return nil
}

// loadSamples reads a PCM16 WAV into float32 samples.
func loadSamples(path string) ([]float32, int, error) {
	f64, rate, err := audio.ReadWAV(path)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindInvalidInput, "diarize: load audio", err)
	}
	samples := make([]float32, len(f64))
	for i, v := range f64 {
		samples[i] = float32(v)
	}
	return samples, rate, nil
}

// normalize32 scales v to unit L2-norm in place. Returns nil for nil or
// all-zero input.
func normalize32(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
