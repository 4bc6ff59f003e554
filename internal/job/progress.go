package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Skyjoy0512/voicenote/internal/docstore"
	"github.com/Skyjoy0512/voicenote/internal/observe"
)

// Reporter publishes one job's status document. Writes are serialized,
// progress is clamped monotone non-decreasing, and store failures are logged
// and swallowed so a broken status store never masks the job's real outcome.
type Reporter struct {
	docs    docstore.Store
	metrics *observe.Metrics
	log     *slog.Logger
	key     string
	now     func() time.Time

	mu   sync.Mutex
	last int
}

// NewReporter creates a Reporter for the job owning (userID, audioID).
func NewReporter(docs docstore.Store, metrics *observe.Metrics, log *slog.Logger, userID, audioID string) *Reporter {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		docs:    docs,
		metrics: metrics,
		log:     log.With("user_id", userID, "audio_id", audioID),
		key:     StatusKey(userID, audioID),
		now:     time.Now,
	}
}

// Report writes a status transition. Progress below a previously reported
// value is raised to it. extra fields merge into the document alongside the
// standard ones.
func (r *Reporter) Report(ctx context.Context, status Status, progress int, message string, extra map[string]any) {
	r.mu.Lock()
	if progress < r.last {
		progress = r.last
	}
	r.last = progress

	fields := map[string]any{
		"status":             status,
		"processingProgress": progress,
		"statusMessage":      message,
		"updatedAt":          r.now().UTC(),
	}
	for k, v := range extra {
		fields[k] = v
	}
	err := r.docs.Update(ctx, r.key, fields)
	r.mu.Unlock()

	if err != nil {
		r.metrics.ProgressWriteFailures.Add(ctx, 1)
		r.log.Warn("progress write failed", "status", status, "progress", progress, "error", err)
	}
}

// Chunks reports chunked-transcription progress including chunk counters.
func (r *Reporter) Chunks(ctx context.Context, status Status, progress int, message string, processed, total int) {
	r.Report(ctx, status, progress, message, map[string]any{
		"processedChunks": processed,
		"totalChunks":     total,
	})
}
