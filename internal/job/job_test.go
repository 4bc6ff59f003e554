package job_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/audio"
	"github.com/Skyjoy0512/voicenote/internal/blob"
	"github.com/Skyjoy0512/voicenote/internal/chunk"
	"github.com/Skyjoy0512/voicenote/internal/config"
	"github.com/Skyjoy0512/voicenote/internal/diarize"
	"github.com/Skyjoy0512/voicenote/internal/dispatch"
	"github.com/Skyjoy0512/voicenote/internal/docstore"
	"github.com/Skyjoy0512/voicenote/internal/fingerprint"
	"github.com/Skyjoy0512/voicenote/internal/job"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech/mock"
)

const (
	testUser  = "u1"
	testAudio = "a1"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// putTone uploads a sine recording of the given length.
func putTone(store *blob.Memory, key string, seconds float64) {
	n := int(seconds * audio.SampleRate)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate)
	}
	store.Put(key, audio.EncodeWAV(samples, audio.SampleRate))
}

// fakePreprocessor skips ffmpeg: uploads are already WAV in these tests.
type fakePreprocessor struct{}

func (fakePreprocessor) Precondition(_ context.Context, path string) (string, int, error) {
	return path, audio.SampleRate, nil
}

func (fakePreprocessor) Duration(_ context.Context, path string) (time.Duration, error) {
	samples, rate, err := audio.ReadWAV(path)
	if err != nil {
		return 0, err
	}
	return time.Duration(float64(len(samples)) / float64(rate) * float64(time.Second)), nil
}

// wavSplitter slices WAV files in process instead of shelling out.
type wavSplitter struct{}

func (wavSplitter) Split(_ context.Context, path string, totalSec, windowSec, overlapSec float64, destDir string) ([]chunk.Chunk, error) {
	samples, rate, err := audio.ReadWAV(path)
	if err != nil {
		return nil, err
	}

	step := windowSec - overlapSec
	var chunks []chunk.Chunk
	for i := 0; ; i++ {
		offset := float64(i) * step
		if offset >= totalSec {
			break
		}
		dur := windowSec
		if offset+dur > totalSec {
			dur = totalSec - offset
		}

		lo := int(offset * float64(rate))
		hi := int((offset + dur) * float64(rate))
		if hi > len(samples) {
			hi = len(samples)
		}
		p := filepath.Join(destDir, fmt.Sprintf("chunk_%03d.wav", i))
		if err := os.WriteFile(p, audio.EncodeWAV(samples[lo:hi], rate), 0o644); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk.Chunk{Index: i, OffsetSec: offset, DurationSec: dur, Path: p})
	}
	return chunks, nil
}

// recordingStore captures every Update so tests can inspect the status-write
// sequence, and can be switched to fail them.
type recordingStore struct {
	*docstore.Memory

	mu          sync.Mutex
	updates     []map[string]any
	failUpdates bool
}

func (r *recordingStore) Update(ctx context.Context, key string, fields map[string]any) error {
	r.mu.Lock()
	r.updates = append(r.updates, fields)
	fail := r.failUpdates
	r.mu.Unlock()
	if fail {
		return errors.New("status store down")
	}
	return r.Memory.Update(ctx, key, fields)
}

func (r *recordingStore) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.updates {
		if s, ok := f["status"].(job.Status); ok {
			out = append(out, string(s))
		}
	}
	return out
}

func (r *recordingStore) progressValues() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, f := range r.updates {
		if p, ok := f["processingProgress"].(int); ok {
			out = append(out, p)
		}
	}
	return out
}

// fixture wires an orchestrator over in-memory stores and mock providers.
type fixture struct {
	orch    *job.Orchestrator
	docs    *recordingStore
	blob    *blob.Memory
	scratch string
}

func newFixture(t *testing.T, diar diarize.Diarizer, providers map[string]*mock.Provider) *fixture {
	t.Helper()

	docs := &recordingStore{Memory: docstore.NewMemory()}
	blobStore := blob.NewMemory()
	scratch := t.TempDir()

	reg := config.NewRegistry()
	entries := map[string]config.ProviderEntry{}
	for name, p := range providers {
		reg.RegisterSpeech(name, func(config.ProviderEntry) (speech.Provider, error) {
			return p, nil
		})
		entries[name] = config.ProviderEntry{APIKey: "test-key"}
	}

	orch := &job.Orchestrator{
		Blob:         blobStore,
		Docs:         docs,
		Fingerprints: fingerprint.NewDocStore(docs),
		Diarizer:     diar,
		Dispatcher:   dispatch.New(4, nil, discardLog()),
		Registry:     reg,
		Providers:    config.ProvidersConfig{Speech: entries, Fallbacks: []string{"deepgram"}},
		Preprocessor: fakePreprocessor{},
		Splitter:     wavSplitter{},
		ScratchRoot:  scratch,
		Log:          discardLog(),
	}
	return &fixture{orch: orch, docs: docs, blob: blobStore, scratch: scratch}
}

func (f *fixture) statusDoc(t *testing.T) job.StatusDoc {
	t.Helper()
	var doc job.StatusDoc
	if err := f.docs.Get(context.Background(), job.StatusKey(testUser, testAudio), &doc); err != nil {
		t.Fatalf("load status doc: %v", err)
	}
	return doc
}

func (f *fixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.scratch)
	if err != nil {
		t.Fatalf("read scratch root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch root not cleaned, %d entries remain", len(entries))
	}
}

func okProvider(name string) *mock.Provider {
	return &mock.Provider{
		ProviderName: name,
		ResultFn: func(_ string, start, end float64) (*speech.Result, error) {
			return &speech.Result{
				Text:       fmt.Sprintf("%s said %g-%g", name, start, end),
				Confidence: 0.9,
				Provider:   name,
			}, nil
		},
	}
}

func TestRun_DirectPathCompletes(t *testing.T) {
	f := newFixture(t, &diarize.Mock{TurnSec: 2, Speakers: 1},
		map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 6)

	if err := f.orch.Run(t.Context(), testUser, testAudio, config.DefaultJobConfig()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	doc := f.statusDoc(t)
	if doc.Status != job.StatusCompleted || doc.ProcessingProgress != 100 {
		t.Fatalf("status = %s/%d, want completed/100", doc.Status, doc.ProcessingProgress)
	}
	if doc.Transcription == nil {
		t.Fatal("completed job has no transcription")
	}
	if got := len(doc.Transcription.Segments); got != 3 {
		t.Errorf("segments = %d, want 3 turns of a 6s recording", got)
	}
	for _, seg := range doc.Transcription.Segments {
		if seg.GlobalSpeakerID != "SPEAKER_00" {
			t.Errorf("segment speaker = %q, want SPEAKER_00", seg.GlobalSpeakerID)
		}
		if seg.Provider != "openai" {
			t.Errorf("segment provider = %q, want openai", seg.Provider)
		}
	}
	if doc.Transcription.Provider != "openai" {
		t.Errorf("transcription provider = %q, want openai", doc.Transcription.Provider)
	}
	wantCost := dispatch.CostEstimate("openai", doc.Transcription.DurationSec)
	if doc.Transcription.EstimatedCostUSD != wantCost {
		t.Errorf("cost = %g, want %g", doc.Transcription.EstimatedCostUSD, wantCost)
	}

	var speakers job.SpeakerAnalysisDoc
	if err := f.docs.Get(context.Background(), job.SpeakersKey(testAudio), &speakers); err != nil {
		t.Fatalf("load speaker analysis: %v", err)
	}
	if speakers.SpeakersCount != 1 || speakers.UserID != testUser {
		t.Errorf("speaker analysis = %d speakers for %q, want 1 for %q",
			speakers.SpeakersCount, speakers.UserID, testUser)
	}

	f.assertScratchEmpty(t)
}

func TestRun_ChunkedPath(t *testing.T) {
	f := newFixture(t, &diarize.Mock{TurnSec: 2, Speakers: 2},
		map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 10)

	cfg, err := config.ParseJobConfig(map[string]any{
		"chunk_threshold_sec": 4.0,
		"chunk_window_sec":    4.0,
		"overlap_sec":         1.0,
	})
	if err != nil {
		t.Fatalf("ParseJobConfig: %v", err)
	}

	if err := f.orch.Run(t.Context(), testUser, testAudio, cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	doc := f.statusDoc(t)
	if doc.Status != job.StatusCompleted || doc.ProcessingProgress != 100 {
		t.Fatalf("status = %s/%d, want completed/100", doc.Status, doc.ProcessingProgress)
	}
	// 10s with 4s windows stepping 3s: offsets 0, 3, 6, 9.
	if doc.TotalChunks == nil || *doc.TotalChunks != 4 {
		t.Fatalf("totalChunks = %v, want 4", doc.TotalChunks)
	}
	if doc.ProcessedChunks == nil || *doc.ProcessedChunks != *doc.TotalChunks {
		t.Errorf("processedChunks = %v, want all %d", doc.ProcessedChunks, *doc.TotalChunks)
	}

	// The overlap regions were transcribed twice; integration dedupes them.
	seen := map[string]bool{}
	for _, seg := range doc.Transcription.Segments {
		k := fmt.Sprintf("%.1f-%.1f", seg.StartSec, seg.EndSec)
		if seen[k] {
			t.Errorf("duplicate segment %s survived integration", k)
		}
		seen[k] = true
	}
	f.assertScratchEmpty(t)
}

func TestRun_FallbackProviderTakesOver(t *testing.T) {
	primary := &mock.Provider{ProviderName: "openai", Err: errors.New("openai: 503")}
	f := newFixture(t, &diarize.Mock{TurnSec: 2, Speakers: 1},
		map[string]*mock.Provider{"openai": primary, "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 4)

	if err := f.orch.Run(t.Context(), testUser, testAudio, config.DefaultJobConfig()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	doc := f.statusDoc(t)
	if doc.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", doc.Status)
	}
	for _, seg := range doc.Transcription.Segments {
		if seg.Provider != "deepgram" {
			t.Errorf("segment provider = %q, want fallback deepgram", seg.Provider)
		}
		if seg.Text == dispatch.ErrorText {
			t.Errorf("segment fell through to the sentinel despite a healthy fallback")
		}
	}
	if primary.CallCount() == 0 {
		t.Error("primary provider was never tried")
	}
}

func TestRun_StoredProviderConfigUsedWhenRequestSilent(t *testing.T) {
	f := newFixture(t, &diarize.Mock{TurnSec: 2, Speakers: 1},
		map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 4)

	err := f.docs.Set(context.Background(), job.APIConfigKey(testUser),
		job.APIConfigDoc{SpeechProvider: "deepgram", SpeechAPIKey: "user-key"})
	if err != nil {
		t.Fatalf("store api config: %v", err)
	}

	if err := f.orch.Run(t.Context(), testUser, testAudio, config.DefaultJobConfig()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if doc := f.statusDoc(t); doc.Transcription.Provider != "deepgram" {
		t.Errorf("provider = %q, want the user's stored deepgram", doc.Transcription.Provider)
	}
}

func TestRun_ExplicitProviderBeatsStoredConfig(t *testing.T) {
	f := newFixture(t, &diarize.Mock{TurnSec: 2, Speakers: 1},
		map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 4)

	err := f.docs.Set(context.Background(), job.APIConfigKey(testUser),
		job.APIConfigDoc{SpeechProvider: "deepgram"})
	if err != nil {
		t.Fatalf("store api config: %v", err)
	}

	cfg, err := config.ParseJobConfig(map[string]any{"speech_provider": "openai"})
	if err != nil {
		t.Fatalf("ParseJobConfig: %v", err)
	}
	if err := f.orch.Run(t.Context(), testUser, testAudio, cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if doc := f.statusDoc(t); doc.Transcription.Provider != "openai" {
		t.Errorf("provider = %q, want the explicitly requested openai", doc.Transcription.Provider)
	}
}

func TestRun_MissingUploadFails(t *testing.T) {
	f := newFixture(t, &diarize.Mock{}, map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})

	err := f.orch.Run(t.Context(), testUser, testAudio, config.DefaultJobConfig())
	if err == nil {
		t.Fatal("expected error for missing upload")
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("kind = %v, want KindNotFound", apperr.KindOf(err))
	}
	doc := f.statusDoc(t)
	if doc.Status != job.StatusError {
		t.Errorf("status = %s, want error", doc.Status)
	}
	if doc.Transcription != nil {
		t.Error("failed job must not expose a transcription")
	}
	f.assertScratchEmpty(t)
}

// cancelingDiarizer cancels the job's context when diarization starts,
// simulating a cancel request arriving mid-pipeline.
type cancelingDiarizer struct {
	cancel context.CancelFunc
}

func (c *cancelingDiarizer) Diarize(ctx context.Context, _ string, _ int) ([]diarize.Segment, error) {
	c.cancel()
	return nil, ctx.Err()
}

func (c *cancelingDiarizer) Embed(context.Context, string) ([]float32, error) { return nil, nil }
func (c *cancelingDiarizer) Close() error                                     { return nil }

func TestRun_CancelWritesCancelledOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	diar := &cancelingDiarizer{cancel: cancel}
	f := newFixture(t, diar, map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 4)

	err := f.orch.Run(ctx, testUser, testAudio, config.DefaultJobConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}

	doc := f.statusDoc(t)
	if doc.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", doc.Status)
	}
	if doc.Transcription != nil {
		t.Error("cancelled job must not expose a transcription")
	}

	cancelled := 0
	for _, s := range f.docs.statuses() {
		if s == string(job.StatusCancelled) {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Errorf("cancelled written %d times, want exactly once", cancelled)
	}
	f.assertScratchEmpty(t)
}

// silentDiarizer finds no speech turns, forcing the whole-file transcription
// path.
type silentDiarizer struct{}

func (silentDiarizer) Diarize(context.Context, string, int) ([]diarize.Segment, error) {
	return nil, nil
}
func (silentDiarizer) Embed(context.Context, string) ([]float32, error) { return nil, nil }
func (silentDiarizer) Close() error                                     { return nil }

// cancelingProvider cancels the job's context from inside a provider call,
// simulating a cancel request landing during transcription.
type cancelingProvider struct {
	cancel context.CancelFunc
}

func (p *cancelingProvider) Name() string { return "openai" }

func (p *cancelingProvider) Transcribe(ctx context.Context, _ string) (*speech.Result, error) {
	p.cancel()
	return nil, ctx.Err()
}

func (p *cancelingProvider) TranscribeSegment(ctx context.Context, _ string, _, _ float64) (*speech.Result, error) {
	p.cancel()
	return nil, ctx.Err()
}

func TestRun_CancelDuringTranscriptionMarksCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	f := newFixture(t, silentDiarizer{}, map[string]*mock.Provider{"deepgram": okProvider("deepgram")})
	cp := &cancelingProvider{cancel: cancel}
	f.orch.Registry.RegisterSpeech("openai", func(config.ProviderEntry) (speech.Provider, error) {
		return cp, nil
	})
	f.orch.Providers.Speech["openai"] = config.ProviderEntry{APIKey: "test-key"}
	putTone(f.blob, "users/u1/audios/a1", 4)

	err := f.orch.Run(ctx, testUser, testAudio, config.DefaultJobConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled even after provider fallback", err)
	}

	doc := f.statusDoc(t)
	if doc.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", doc.Status)
	}
	f.assertScratchEmpty(t)
}

func TestRun_ProgressMonotone(t *testing.T) {
	f := newFixture(t, &diarize.Mock{TurnSec: 2, Speakers: 2},
		map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 10)

	cfg, err := config.ParseJobConfig(map[string]any{
		"chunk_threshold_sec": 4.0,
		"chunk_window_sec":    4.0,
		"overlap_sec":         1.0,
	})
	if err != nil {
		t.Fatalf("ParseJobConfig: %v", err)
	}
	if err := f.orch.Run(t.Context(), testUser, testAudio, cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	values := f.docs.progressValues()
	if len(values) == 0 {
		t.Fatal("no progress writes recorded")
	}
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			t.Fatalf("progress went backwards: %v", values)
		}
	}
	if values[len(values)-1] != 100 {
		t.Errorf("final progress = %d, want 100", values[len(values)-1])
	}
}

func TestRun_ProgressStoreFailureDoesNotFailJob(t *testing.T) {
	f := newFixture(t, &diarize.Mock{TurnSec: 2, Speakers: 1},
		map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 4)
	f.docs.failUpdates = true

	if err := f.orch.Run(t.Context(), testUser, testAudio, config.DefaultJobConfig()); err != nil {
		t.Fatalf("Run should survive a broken status store, got: %v", err)
	}
}

// blockingDiarizer parks inside Diarize until its context is cancelled, so
// manager tests can observe a running job.
type blockingDiarizer struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingDiarizer) Diarize(ctx context.Context, _ string, _ int) ([]diarize.Segment, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingDiarizer) Embed(context.Context, string) ([]float32, error) { return nil, nil }
func (b *blockingDiarizer) Close() error                                     { return nil }

func TestManager_DuplicateAndCancel(t *testing.T) {
	diar := &blockingDiarizer{started: make(chan struct{})}
	f := newFixture(t, diar, map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 4)

	mgr := job.NewManager(f.orch, 2, nil, discardLog())
	if err := mgr.Start(t.Context(), testUser, testAudio, config.DefaultJobConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-diar.started

	if !mgr.Active(testUser, testAudio) {
		t.Error("job should be active while diarization is in flight")
	}
	err := mgr.Start(t.Context(), testUser, testAudio, config.DefaultJobConfig())
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Errorf("duplicate start kind = %v, want KindInvalidInput", apperr.KindOf(err))
	}

	if !mgr.Cancel(testUser, testAudio) {
		t.Fatal("Cancel should find the running job")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if mgr.Active(testUser, testAudio) {
		t.Error("job still active after shutdown")
	}
	if mgr.Cancel(testUser, testAudio) {
		t.Error("Cancel after completion should report no running job")
	}
	if doc := f.statusDoc(t); doc.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", doc.Status)
	}
}

func TestManager_QueuedStatusVisibleWhileWaitingForSlot(t *testing.T) {
	diar := &blockingDiarizer{started: make(chan struct{})}
	f := newFixture(t, diar, map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	putTone(f.blob, "users/u1/audios/a1", 4)
	putTone(f.blob, "users/u2/audios/a2", 4)

	mgr := job.NewManager(f.orch, 1, nil, discardLog())
	if err := mgr.Start(t.Context(), testUser, testAudio, config.DefaultJobConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-diar.started

	// The single worker slot is occupied; the second job waits but its
	// status document must already exist.
	if err := mgr.Start(t.Context(), "u2", "a2", config.DefaultJobConfig()); err != nil {
		t.Fatalf("Start second job: %v", err)
	}
	var doc job.StatusDoc
	if err := f.docs.Get(context.Background(), job.StatusKey("u2", "a2"), &doc); err != nil {
		t.Fatalf("status doc for the waiting job: %v", err)
	}
	if doc.Status != job.StatusQueued {
		t.Errorf("status = %s, want queued", doc.Status)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.docs.Get(context.Background(), job.StatusKey("u2", "a2"), &doc); err != nil {
		t.Fatalf("status doc after shutdown: %v", err)
	}
	if doc.Status != job.StatusCancelled {
		t.Errorf("status after shutdown = %s, want cancelled", doc.Status)
	}
}

func TestManager_CancelUnknownJob(t *testing.T) {
	f := newFixture(t, &diarize.Mock{}, map[string]*mock.Provider{"openai": okProvider("openai"), "deepgram": okProvider("deepgram")})
	mgr := job.NewManager(f.orch, 2, nil, discardLog())
	if mgr.Cancel("nobody", "nothing") {
		t.Error("Cancel of an unknown job should return false")
	}
}
