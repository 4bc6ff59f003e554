package job

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/config"
	"github.com/Skyjoy0512/voicenote/internal/observe"
)

// jobKey identifies one in-flight job. At most one job may run per uploaded
// recording.
type jobKey struct {
	userID  string
	audioID string
}

// Manager starts, tracks, and cancels jobs. Parallelism across jobs is
// bounded; a job that cannot get a slot immediately still starts, it just
// waits inside its goroutine, so submission never blocks the HTTP handler.
type Manager struct {
	orch *Orchestrator
	sem  *semaphore.Weighted

	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	running map[jobKey]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager running at most maxConcurrent jobs at once.
// Zero or negative means 4.
func NewManager(orch *Orchestrator, maxConcurrent int64, metrics *observe.Metrics, log *slog.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		orch:    orch,
		sem:     semaphore.NewWeighted(maxConcurrent),
		metrics: metrics,
		log:     log,
		running: map[jobKey]context.CancelFunc{},
	}
}

// Start launches a job for (userID, audioID) in the background. A second
// start for the same recording while the first is still running is rejected
// with KindInvalidInput.
//
// The job runs on a context detached from ctx: the submitting HTTP request
// finishing must not cancel the pipeline.
func (m *Manager) Start(ctx context.Context, userID, audioID string, cfg config.JobConfig) error {
	key := jobKey{userID: userID, audioID: audioID}

	m.mu.Lock()
	if _, busy := m.running[key]; busy {
		m.mu.Unlock()
		return apperr.Newf(apperr.KindInvalidInput,
			"job: audio %s/%s is already being processed", userID, audioID)
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running[key] = cancel
	m.mu.Unlock()

	// The status document exists from the moment the job is accepted, so
	// clients polling while the job waits for a slot see "queued" rather
	// than a 404.
	rep := NewReporter(m.orch.Docs, m.metrics, m.log, userID, audioID)
	rep.Report(ctx, StatusQueued, 0, "queued for processing", nil)

	m.metrics.ActiveJobs.Add(jobCtx, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, key)
			m.mu.Unlock()
			cancel()
			m.metrics.ActiveJobs.Add(context.WithoutCancel(jobCtx), -1)
		}()

		if err := m.sem.Acquire(jobCtx, 1); err != nil {
			// Cancelled while queued; write the terminal status ourselves
			// since the orchestrator never ran.
			rep.Report(context.WithoutCancel(jobCtx), StatusCancelled, 0, "processing cancelled", nil)
			return
		}
		defer m.sem.Release(1)

		// Run handles its own terminal status reporting.
		_ = m.orch.Run(jobCtx, userID, audioID, cfg)
	}()
	return nil
}

// Cancel requests cancellation of the job for (userID, audioID). It returns
// false when no such job is running.
func (m *Manager) Cancel(userID, audioID string) bool {
	m.mu.Lock()
	cancel, ok := m.running[jobKey{userID: userID, audioID: audioID}]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active reports whether a job for (userID, audioID) is currently running.
func (m *Manager) Active(userID, audioID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[jobKey{userID: userID, audioID: audioID}]
	return ok
}

// Shutdown cancels all running jobs and waits for them to finish writing
// their terminal status.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
