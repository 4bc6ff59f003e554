// Package dispatch routes transcription work to speech providers with a
// global concurrency cap, per-provider circuit breakers, and ordered
// fallback. Failures inside segment dispatch stay local: the failed segment
// becomes a sentinel result and its siblings continue.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Skyjoy0512/voicenote/internal/observe"
	"github.com/Skyjoy0512/voicenote/internal/resilience"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

// ErrorText marks a segment whose transcription failed on every provider.
const ErrorText = "[error]"

// batchSize bounds how many segments run concurrently before the dispatcher
// moves to the next group.
const batchSize = 5

// Span is a time range of the source recording to transcribe.
type Span struct {
	StartSec float64
	EndSec   float64
}

// Dispatcher coordinates provider calls. Circuit breakers are shared across
// jobs per provider name, so one job's failures warn the next job off a
// degraded provider.
type Dispatcher struct {
	sem     *semaphore.Weighted
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// New creates a Dispatcher allowing maxConcurrent provider calls in flight
// across all jobs. Zero or negative means 10.
func New(maxConcurrent int64, metrics *observe.Metrics, log *slog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sem:      semaphore.NewWeighted(maxConcurrent),
		metrics:  metrics,
		log:      log,
		breakers: map[string]*resilience.CircuitBreaker{},
	}
}

func (d *Dispatcher) breakerFor(name string) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.breakers[name] == nil {
		d.breakers[name] = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: name})
	}
	return d.breakers[name]
}

// group builds a fallback chain over providers in order, reusing the shared
// per-provider breakers.
func (d *Dispatcher) group(providers []speech.Provider) *resilience.FallbackGroup[speech.Provider] {
	entries := make([]resilience.Entry[speech.Provider], len(providers))
	for i, p := range providers {
		entries[i] = resilience.Entry[speech.Provider]{
			Name:    p.Name(),
			Value:   p,
			Breaker: d.breakerFor(p.Name()),
		}
	}
	return resilience.GroupOf(entries...)
}

// TranscribeWhole transcribes the full recording, trying providers in order
// until one succeeds. When all fail, the returned error carries the last
// provider's failure.
func (d *Dispatcher) TranscribeWhole(ctx context.Context, path string, providers []speech.Provider) (*speech.Result, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	return resilience.ExecuteWithResult(d.group(providers), func(p speech.Provider) (*speech.Result, error) {
		return d.observed(ctx, p.Name(), func() (*speech.Result, error) {
			return p.Transcribe(ctx, path)
		})
	})
}

// TranscribeSegments transcribes each span of the recording. Segments run
// concurrently in groups of five, sequential across groups; results come
// back in span order. A span that fails on every provider yields a sentinel
// result with Text "[error]" and zero confidence rather than failing the
// batch.
func (d *Dispatcher) TranscribeSegments(ctx context.Context, path string, spans []Span, providers []speech.Provider) ([]*speech.Result, error) {
	results := make([]*speech.Result, len(spans))

	for start := 0; start < len(spans); start += batchSize {
		end := start + batchSize
		if end > len(spans) {
			end = len(spans)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := d.sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer d.sem.Release(1)

				span := spans[i]
				res, err := resilience.ExecuteWithResult(d.group(providers), func(p speech.Provider) (*speech.Result, error) {
					return d.observed(gctx, p.Name(), func() (*speech.Result, error) {
						return p.TranscribeSegment(gctx, path, span.StartSec, span.EndSec)
					})
				})
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					d.log.Warn("segment transcription failed on all providers",
						"start", span.StartSec, "end", span.EndSec, "error", err)
					res = &speech.Result{
						Text:       ErrorText,
						Confidence: 0,
						Segments: []speech.Segment{{
							Start: span.StartSec,
							End:   span.EndSec,
							Text:  ErrorText,
						}},
						Error: err.Error(),
					}
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// observed wraps one provider call with duration and outcome metrics.
func (d *Dispatcher) observed(ctx context.Context, provider string, fn func() (*speech.Result, error)) (*speech.Result, error) {
	start := time.Now()
	res, err := fn()

	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	d.metrics.ProviderDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	d.metrics.ProviderRequests.Add(ctx, 1, attrs)
	return res, err
}
