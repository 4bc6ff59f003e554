package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/audio"
	"github.com/Skyjoy0512/voicenote/internal/blob"
	"github.com/Skyjoy0512/voicenote/internal/chunk"
	"github.com/Skyjoy0512/voicenote/internal/config"
	"github.com/Skyjoy0512/voicenote/internal/diarize"
	"github.com/Skyjoy0512/voicenote/internal/dispatch"
	"github.com/Skyjoy0512/voicenote/internal/docstore"
	"github.com/Skyjoy0512/voicenote/internal/fingerprint"
	"github.com/Skyjoy0512/voicenote/internal/merge"
	"github.com/Skyjoy0512/voicenote/internal/observe"
	"github.com/Skyjoy0512/voicenote/internal/speaker"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

// minSpanSec drops diarized slivers too short to transcribe. Clipping a
// segment at a chunk edge can leave a few milliseconds of audio that only
// wastes a provider call.
const minSpanSec = 0.2

// Preprocessor conditions an uploaded file into the pipeline's canonical
// format and probes its length. Implemented by [audio.Preprocessor].
type Preprocessor interface {
	Precondition(ctx context.Context, path string) (string, int, error)
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Splitter slices a recording into overlapping windows. Implemented by
// [chunk.Splitter].
type Splitter interface {
	Split(ctx context.Context, path string, totalSec, windowSec, overlapSec float64, destDir string) ([]chunk.Chunk, error)
}

// Orchestrator runs one transcription job end to end. It is the single
// writer of the job's status document; all other components only read it.
type Orchestrator struct {
	Blob         blob.Fetcher
	Docs         docstore.Store
	Fingerprints fingerprint.Store
	Diarizer     diarize.Diarizer
	Dispatcher   *dispatch.Dispatcher
	Registry     *config.Registry
	Providers    config.ProvidersConfig

	Preprocessor Preprocessor
	Splitter     Splitter

	// ScratchRoot is the base directory for per-job scratch space. Each job
	// works under ScratchRoot/<job_id> and removes it on every exit path.
	ScratchRoot string

	Metrics *observe.Metrics
	Log     *slog.Logger

	// now and newID are swapped in tests.
	now   func() time.Time
	newID func() string
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

func (o *Orchestrator) jobID() string {
	if o.newID != nil {
		return o.newID()
	}
	return uuid.NewString()
}

func (o *Orchestrator) metrics() *observe.Metrics {
	if o.Metrics != nil {
		return o.Metrics
	}
	return observe.DefaultMetrics()
}

// Run processes the uploaded recording identified by (userID, audioID) with
// the given per-job configuration. It returns nil on completion and the
// pipeline failure otherwise; in both cases the terminal status has already
// been written to the status document.
func (o *Orchestrator) Run(ctx context.Context, userID, audioID string, cfg config.JobConfig) (err error) {
	jobID := o.jobID()
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("job_id", jobID, "user_id", userID, "audio_id", audioID)

	rep := NewReporter(o.Docs, o.metrics(), log, userID, audioID)

	scratch := filepath.Join(o.ScratchRoot, jobID)
	if mkErr := os.MkdirAll(scratch, 0o755); mkErr != nil {
		err = fmt.Errorf("job: create scratch dir: %w", mkErr)
		o.finish(ctx, rep, log, err)
		return err
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			log.Warn("scratch cleanup failed", "dir", scratch, "error", rmErr)
		}
	}()
	defer func() { o.finish(ctx, rep, log, err) }()

	started := o.clock()
	log.Info("job started", "provider", cfg.SpeechProvider, "language", cfg.Language)

	// Fetch and precondition.
	rep.Report(ctx, StatusPreprocessing, 5, "fetching audio", nil)
	source := filepath.Join(scratch, "source")
	if err = apperr.Retry(ctx, apperr.RetryConfig{}, func() error {
		_, fErr := blob.FetchToFile(ctx, o.Blob, BlobKey(userID, audioID), source)
		return fErr
	}); err != nil {
		return fmt.Errorf("job: fetch audio: %w", err)
	}

	rep.Report(ctx, StatusPreprocessing, 10, "converting audio", nil)
	var processed string
	if processed, _, err = stageObserve(ctx, o.metrics(), "preprocessing", func() (string, error) {
		p, _, pErr := o.Preprocessor.Precondition(ctx, source)
		return p, pErr
	}); err != nil {
		return fmt.Errorf("job: precondition: %w", err)
	}

	rep.Report(ctx, StatusPreprocessing, 15, "probing duration", nil)
	dur, err := o.Preprocessor.Duration(ctx, processed)
	if err != nil {
		return fmt.Errorf("job: probe duration: %w", err)
	}
	durationSec := dur.Seconds()

	rep.Report(ctx, StatusPreprocessing, 20, "analyzing audio quality", nil)
	samples, _, err := audio.ReadWAV(processed)
	if err != nil {
		return fmt.Errorf("job: read audio: %w", err)
	}
	noise := fingerprint.NoiseLevel(samples)
	quality := fingerprint.QualityScore(samples, audio.SampleRate)
	log.Info("audio preconditioned",
		"duration_sec", durationSec, "noise_level", noise, "quality_score", quality)

	if err = ctx.Err(); err != nil {
		return err
	}

	// Speaker analysis over the whole recording.
	rep.Report(ctx, StatusSpeakerAnalysis, 25, "separating speakers", nil)
	fp, err := o.Fingerprints.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("job: load voice fingerprint: %w", err)
	}
	var fpEmbedding []float32
	if fp != nil {
		fpEmbedding = fp.Embedding
	}

	segments, _, err := stageObserve(ctx, o.metrics(), "speaker_analysis", func() ([]diarize.Segment, error) {
		return o.Diarizer.Diarize(ctx, processed, cfg.MaxSpeakers)
	})
	if err != nil {
		return fmt.Errorf("job: diarize: %w", err)
	}

	rep.Report(ctx, StatusSpeakerAnalysis, 35, "matching speakers", nil)
	analysis := speaker.Unify(segments, fpEmbedding, speaker.Config{
		MaxSpeakers:    cfg.MaxSpeakers,
		MatchThreshold: cfg.UserMatchThreshold,
	})
	speakerDoc := SpeakerAnalysisDoc{
		UserID:             userID,
		SpeakerClusters:    analysis.Speakers,
		UserSpeakerMapping: analysis.Mapping,
		SpeakersCount:      len(analysis.Speakers),
		ConfidenceScores:   analysis.ConfidenceScores,
		ConsistencyScore:   analysis.Consistency,
		CreatedAt:          o.clock().UTC(),
	}
	if err = o.Docs.Set(ctx, SpeakersKey(audioID), speakerDoc); err != nil {
		return fmt.Errorf("job: store speaker analysis: %w", err)
	}
	rep.Report(ctx, StatusSpeakerAnalysis, 40, "speaker analysis complete", nil)

	if err = ctx.Err(); err != nil {
		return err
	}

	// Provider selection and construction.
	providerName, providers, err := o.resolveProviders(ctx, userID, cfg, durationSec, noise, len(analysis.Speakers))
	if err != nil {
		return err
	}
	log.Info("speech provider selected", "provider", providerName, "fallbacks", len(providers)-1)

	// Transcription: chunked for long recordings, direct otherwise.
	var chunkResults []merge.ChunkResult
	if durationSec > cfg.ChunkThresholdSec {
		chunkResults, err = o.transcribeChunked(ctx, rep, processed, scratch, durationSec, segments, providers, cfg)
	} else {
		chunkResults, err = o.transcribeDirect(ctx, rep, processed, durationSec, segments, analysis, providers)
	}
	if err != nil {
		return err
	}

	// Integration.
	rep.Report(ctx, StatusIntegrating, 92, "integrating results", nil)
	out, _, err := stageObserve(ctx, o.metrics(), "integrating", func() (merge.Output, error) {
		return merge.Merge(chunkResults, analysis.Mapping, cfg.OverlapDedupeThreshold), nil
	})
	if err != nil {
		return err
	}
	rep.Report(ctx, StatusIntegrating, 98, "finalizing", nil)

	if err = ctx.Err(); err != nil {
		return err
	}

	transcription := Transcription{
		Segments:          out.Segments,
		SpeakerStatistics: out.SpeakerStats,
		QualityStatistics: out.Quality,
		DurationSec:       durationSec,
		Provider:          providerName,
		EstimatedCostUSD:  dispatch.CostEstimate(providerName, durationSec),
	}
	rep.Report(ctx, StatusCompleted, 100, "processing completed", map[string]any{
		"transcription":    transcription,
		"speaker_analysis": speakerDoc,
	})
	log.Info("job completed",
		"duration_sec", durationSec,
		"segments", len(out.Segments),
		"speakers", len(analysis.Speakers),
		"elapsed", o.clock().Sub(started))
	return nil
}

// finish writes the terminal status for failed and cancelled jobs. The write
// uses a context detached from cancellation so a cancelled job can still
// record its own cancellation.
func (o *Orchestrator) finish(ctx context.Context, rep *Reporter, log *slog.Logger, err error) {
	status := StatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = StatusCancelled
		rep.Report(context.WithoutCancel(ctx), StatusCancelled, 0, "processing cancelled", nil)
		log.Info("job cancelled")
	default:
		status = StatusError
		rep.Report(context.WithoutCancel(ctx), StatusError, 0, err.Error(), nil)
		log.Error("job failed", "error", err)
	}
	o.metrics().JobsFinished.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String("status", string(status))))
}

// stageObserve runs fn and records its duration under the given stage
// attribute.
func stageObserve[T any](ctx context.Context, m *observe.Metrics, name string, fn func() (T, error)) (T, time.Duration, error) {
	start := time.Now()
	v, err := fn()
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", name),
		attribute.String("status", status),
	))
	return v, elapsed, err
}

// resolveProviders decides the primary provider name and builds the ordered
// provider chain (primary first, configured fallbacks after).
//
// Precedence for the primary: an explicit speech_provider in the request wins;
// otherwise the user's stored provider configuration; otherwise the default.
// "auto" picks from the recording's characteristics.
func (o *Orchestrator) resolveProviders(ctx context.Context, userID string, cfg config.JobConfig, durationSec, noise float64, speakers int) (string, []speech.Provider, error) {
	var apiCfg *APIConfigDoc
	var stored APIConfigDoc
	switch err := o.Docs.Get(ctx, APIConfigKey(userID), &stored); {
	case err == nil:
		apiCfg = &stored
	case apperr.KindOf(err) == apperr.KindNotFound:
	default:
		return "", nil, fmt.Errorf("job: load provider config: %w", err)
	}

	name := cfg.SpeechProvider
	if !cfg.ProviderSet && apiCfg != nil && apiCfg.SpeechProvider != "" {
		name = apiCfg.SpeechProvider
	}
	if name == "auto" {
		name = dispatch.Pick(durationSec, noise, speakers)
	}

	names := []string{name}
	for _, fb := range o.Providers.Fallbacks {
		if fb != name {
			names = append(names, fb)
		}
	}

	var providers []speech.Provider
	for i, n := range names {
		entry := o.Providers.Speech[n]
		if i == 0 {
			entry = overlayUserEntry(entry, cfg, apiCfg)
		}
		entry.Options = withLanguage(entry.Options, cfg.Language)

		p, err := o.Registry.CreateSpeech(n, entry)
		if err != nil {
			if i == 0 {
				return "", nil, apperr.Wrap(apperr.KindAuth, "job: build primary provider "+n, err)
			}
			o.Log.Warn("skipping fallback provider", "provider", n, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	return name, providers, nil
}

// overlayUserEntry applies the user's stored credentials and the request's
// model override onto the primary provider's server-side entry.
func overlayUserEntry(entry config.ProviderEntry, cfg config.JobConfig, apiCfg *APIConfigDoc) config.ProviderEntry {
	if apiCfg != nil {
		if apiCfg.SpeechAPIKey != "" {
			entry.APIKey = apiCfg.SpeechAPIKey
		}
		if apiCfg.SpeechModel != "" {
			entry.Model = apiCfg.SpeechModel
		}
	}
	if cfg.SpeechModel != "" {
		entry.Model = cfg.SpeechModel
	}
	return entry
}

// withLanguage copies opts with the recognition language set. Provider
// factories read the "language" option when constructing the backend client.
func withLanguage(opts map[string]string, language string) map[string]string {
	out := make(map[string]string, len(opts)+1)
	for k, v := range opts {
		out[k] = v
	}
	out["language"] = language
	return out
}

// transcribeChunked splits the recording into overlapping windows and
// transcribes each window's diarized spans, reporting linear progress from 40
// to 80 across chunks.
func (o *Orchestrator) transcribeChunked(ctx context.Context, rep *Reporter, path, scratch string, durationSec float64, segments []diarize.Segment, providers []speech.Provider, cfg config.JobConfig) ([]merge.ChunkResult, error) {
	rep.Report(ctx, StatusChunkProcessing, 40, "splitting audio", nil)
	chunks, err := o.Splitter.Split(ctx, path, durationSec, cfg.ChunkWindowSec, cfg.OverlapSec, scratch)
	if err != nil {
		return nil, fmt.Errorf("job: split audio: %w", err)
	}

	total := len(chunks)
	rep.Chunks(ctx, StatusChunkProcessing, 40, fmt.Sprintf("transcribing %d chunks", total), 0, total)

	results := make([]merge.ChunkResult, 0, total)
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		spans := spansWithin(segments, c.OffsetSec, c.OffsetSec+c.DurationSec)
		if len(spans) == 0 {
			spans = []labeledSpan{{span: dispatch.Span{StartSec: 0, EndSec: c.DurationSec}}}
		}

		cr, _, err := stageObserve(ctx, o.metrics(), "chunk_processing", func() (merge.ChunkResult, error) {
			return o.transcribeSpans(ctx, c.Path, c.OffsetSec, spans, providers)
		})
		if err != nil {
			return nil, fmt.Errorf("job: transcribe chunk %d: %w", c.Index, err)
		}
		results = append(results, cr)

		progress := 40 + (80-40)*(i+1)/total
		rep.Chunks(ctx, StatusChunkProcessing, progress,
			fmt.Sprintf("transcribed chunk %d/%d", i+1, total), i+1, total)
	}
	return results, nil
}

// transcribeDirect transcribes the whole recording in place, one provider
// call per diarized span. A recording without diarized speech falls back to a
// single whole-file call attributed to the lone detected speaker, if any.
func (o *Orchestrator) transcribeDirect(ctx context.Context, rep *Reporter, path string, durationSec float64, segments []diarize.Segment, analysis speaker.Analysis, providers []speech.Provider) ([]merge.ChunkResult, error) {
	rep.Report(ctx, StatusTranscribing, 60, "transcribing", nil)

	spans := spansWithin(segments, 0, durationSec)
	var cr merge.ChunkResult
	var err error
	if len(spans) == 0 {
		cr, _, err = stageObserve(ctx, o.metrics(), "transcribing", func() (merge.ChunkResult, error) {
			return o.transcribeWholeFile(ctx, path, durationSec, analysis, providers)
		})
	} else {
		cr, _, err = stageObserve(ctx, o.metrics(), "transcribing", func() (merge.ChunkResult, error) {
			return o.transcribeSpans(ctx, path, 0, spans, providers)
		})
	}
	if err != nil {
		return nil, err
	}

	rep.Report(ctx, StatusTranscribing, 90, "transcription complete", nil)
	return []merge.ChunkResult{cr}, nil
}

// transcribeSpans dispatches one provider call per span and folds the results
// into a chunk result with chunk-relative times and chunk-local speaker
// labels.
func (o *Orchestrator) transcribeSpans(ctx context.Context, path string, offsetSec float64, spans []labeledSpan, providers []speech.Provider) (merge.ChunkResult, error) {
	raw := make([]dispatch.Span, len(spans))
	for i, s := range spans {
		raw[i] = s.span
	}
	results, err := o.Dispatcher.TranscribeSegments(ctx, path, raw, providers)
	if err != nil {
		return merge.ChunkResult{}, err
	}

	cr := merge.ChunkResult{OffsetSec: offsetSec}
	for i, res := range results {
		s := spans[i]
		seg := merge.Segment{
			StartSec:        s.span.StartSec,
			EndSec:          s.span.EndSec,
			Text:            res.Text,
			Confidence:      res.Confidence,
			GlobalSpeakerID: s.label,
			Provider:        res.Provider,
		}
		// Provider word times are relative to the extracted slice.
		for _, w := range res.Words {
			seg.Words = append(seg.Words, speech.Word{
				Word:       w.Word,
				Start:      w.Start + s.span.StartSec,
				End:        w.End + s.span.StartSec,
				Confidence: w.Confidence,
			})
		}
		cr.Segments = append(cr.Segments, seg)
	}
	return cr, nil
}

// transcribeWholeFile handles recordings where diarization found no speech
// turns. The provider's own segmentation is kept.
func (o *Orchestrator) transcribeWholeFile(ctx context.Context, path string, durationSec float64, analysis speaker.Analysis, providers []speech.Provider) (merge.ChunkResult, error) {
	res, err := o.Dispatcher.TranscribeWhole(ctx, path, providers)
	if err != nil {
		return merge.ChunkResult{}, fmt.Errorf("job: transcribe: %w", err)
	}

	label := ""
	if len(analysis.Speakers) == 1 {
		label = analysis.Speakers[0].ID
	}

	cr := merge.ChunkResult{}
	for _, s := range res.Segments {
		cr.Segments = append(cr.Segments, merge.Segment{
			StartSec:        s.Start,
			EndSec:          s.End,
			Text:            s.Text,
			Confidence:      s.Confidence,
			GlobalSpeakerID: label,
			Provider:        res.Provider,
		})
	}
	if len(cr.Segments) == 0 {
		cr.Segments = append(cr.Segments, merge.Segment{
			StartSec:        0,
			EndSec:          durationSec,
			Text:            res.Text,
			Confidence:      res.Confidence,
			GlobalSpeakerID: label,
			Provider:        res.Provider,
		})
	}
	return cr, nil
}

// labeledSpan pairs a transcription span with the chunk-local speaker label
// of the diarized segment it came from.
type labeledSpan struct {
	span  dispatch.Span
	label string
}

// spansWithin clips diarized segments to the window [startSec, endSec) and
// returns them as window-relative spans. Slivers shorter than minSpanSec are
// dropped.
func spansWithin(segments []diarize.Segment, startSec, endSec float64) []labeledSpan {
	var out []labeledSpan
	for _, seg := range segments {
		lo := max(seg.StartSec, startSec)
		hi := min(seg.EndSec, endSec)
		if hi-lo < minSpanSec {
			continue
		}
		out = append(out, labeledSpan{
			span:  dispatch.Span{StartSec: lo - startSec, EndSec: hi - startSec},
			label: seg.Speaker,
		})
	}
	return out
}

// BlobKey is the object-store location of an uploaded recording.
func BlobKey(userID, audioID string) string {
	return "users/" + userID + "/audios/" + audioID
}
