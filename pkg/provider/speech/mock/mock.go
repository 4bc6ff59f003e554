// Package mock provides a test double for the speech.Provider interface.
//
// Use Provider to verify which files and segment bounds the caller submits,
// and to feed back controlled Result values or errors.
//
// Example:
//
//	p := &mock.Provider{
//	    ProviderName: "openai",
//	    Result:       &speech.Result{Text: "hello", Confidence: 0.9},
//	}
//	res, _ := p.Transcribe(ctx, "/tmp/audio.wav")
package mock

import (
	"context"
	"sync"

	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

// TranscribeCall records a single invocation of Transcribe or
// TranscribeSegment. Whole-file calls have zero Start and End.
type TranscribeCall struct {
	// AudioPath is the file path passed by the caller.
	AudioPath string

	// Start and End are the segment bounds in seconds for TranscribeSegment
	// calls.
	Start, End float64

	// Segmented is true for TranscribeSegment calls.
	Segmented bool
}

// Provider is a mock implementation of speech.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Result is the value returned on success. If nil, a minimal Result with
	// the provider name is returned.
	Result *speech.Result

	// ResultFn, when set, overrides Result and computes the response per call.
	// Segment bounds are zero for whole-file calls.
	ResultFn func(audioPath string, start, end float64) (*speech.Result, error)

	// Err, if non-nil, is returned as the error from every call.
	Err error

	// FailFirst makes the first FailFirst calls return Err (which must be
	// set), after which calls succeed. Used for failover tests.
	FailFirst int

	// Calls records every invocation in order.
	Calls []TranscribeCall

	calls int
}

// Name implements speech.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, audioPath string) (*speech.Result, error) {
	return p.respond(ctx, TranscribeCall{AudioPath: audioPath})
}

// TranscribeSegment records the call and returns the configured result.
func (p *Provider) TranscribeSegment(ctx context.Context, audioPath string, startSec, endSec float64) (*speech.Result, error) {
	return p.respond(ctx, TranscribeCall{
		AudioPath: audioPath,
		Start:     startSec,
		End:       endSec,
		Segmented: true,
	})
}

func (p *Provider) respond(ctx context.Context, call TranscribeCall) (*speech.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.Calls = append(p.Calls, call)
	p.calls++
	n := p.calls
	p.mu.Unlock()

	if p.Err != nil && (p.FailFirst == 0 || n <= p.FailFirst) {
		return nil, p.Err
	}
	if p.ResultFn != nil {
		return p.ResultFn(call.AudioPath, call.Start, call.End)
	}
	if p.Result != nil {
		cp := *p.Result
		return &cp, nil
	}
	return &speech.Result{
		Text:       "mock transcript",
		Confidence: 1,
		Provider:   p.Name(),
	}, nil
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.calls = 0
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)
