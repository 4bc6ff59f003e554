package dispatch

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech/mock"
)

func TestTranscribeWhole_FallbackReturnsFirstSuccess(t *testing.T) {
	failA := &mock.Provider{ProviderName: "a", Err: errors.New("a down")}
	failB := &mock.Provider{ProviderName: "b", Err: errors.New("b down")}
	ok := &mock.Provider{ProviderName: "c", Result: &speech.Result{Text: "hello", Confidence: 0.9, Provider: "c"}}

	d := New(4, nil, nil)
	res, err := d.TranscribeWhole(t.Context(), "/tmp/a.wav", []speech.Provider{failA, failB, ok})
	if err != nil {
		t.Fatalf("TranscribeWhole: %v", err)
	}
	if res.Text != "hello" || res.Provider != "c" {
		t.Errorf("result = %+v, want the third provider's", res)
	}
	if failA.CallCount() != 1 || failB.CallCount() != 1 || ok.CallCount() != 1 {
		t.Errorf("calls = %d/%d/%d, want 1 each", failA.CallCount(), failB.CallCount(), ok.CallCount())
	}
}

func TestTranscribeWhole_AllFailSurfacesLastError(t *testing.T) {
	failA := &mock.Provider{ProviderName: "a", Err: errors.New("a down")}
	failB := &mock.Provider{ProviderName: "b", Err: errors.New("deadline exceeded upstream")}

	d := New(4, nil, nil)
	_, err := d.TranscribeWhole(t.Context(), "/tmp/a.wav", []speech.Provider{failA, failB})
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	if !strings.Contains(err.Error(), "deadline exceeded upstream") {
		t.Errorf("error %q does not carry the last provider's failure", err)
	}
}

func TestTranscribeSegments_OrderPreserved(t *testing.T) {
	p := &mock.Provider{
		ProviderName: "a",
		ResultFn: func(_ string, start, end float64) (*speech.Result, error) {
			return &speech.Result{
				Text:       fmt.Sprintf("seg %g-%g", start, end),
				Confidence: 0.9,
				Provider:   "a",
			}, nil
		},
	}

	spans := make([]Span, 12)
	for i := range spans {
		spans[i] = Span{StartSec: float64(i * 10), EndSec: float64(i*10 + 10)}
	}

	d := New(4, nil, nil)
	results, err := d.TranscribeSegments(t.Context(), "/tmp/a.wav", spans, []speech.Provider{p})
	if err != nil {
		t.Fatalf("TranscribeSegments: %v", err)
	}
	if len(results) != len(spans) {
		t.Fatalf("got %d results, want %d", len(results), len(spans))
	}
	for i, res := range results {
		want := fmt.Sprintf("seg %g-%g", spans[i].StartSec, spans[i].EndSec)
		if res.Text != want {
			t.Errorf("result %d = %q, want %q", i, res.Text, want)
		}
	}
}

func TestTranscribeSegments_FailureIsLocalized(t *testing.T) {
	bad := errors.New("quota exceeded")
	p := &mock.Provider{
		ProviderName: "a",
		ResultFn: func(_ string, start, _ float64) (*speech.Result, error) {
			if start == 10 {
				return nil, bad
			}
			return &speech.Result{Text: "ok", Confidence: 0.9}, nil
		},
	}

	spans := []Span{{0, 10}, {10, 20}, {20, 30}}
	d := New(4, nil, nil)
	results, err := d.TranscribeSegments(t.Context(), "/tmp/a.wav", spans, []speech.Provider{p})
	if err != nil {
		t.Fatalf("TranscribeSegments: %v", err)
	}

	if results[0].Text != "ok" || results[2].Text != "ok" {
		t.Error("siblings of the failed segment did not complete")
	}
	sentinel := results[1]
	if sentinel.Text != ErrorText {
		t.Errorf("sentinel text = %q, want %q", sentinel.Text, ErrorText)
	}
	if sentinel.Confidence != 0 {
		t.Errorf("sentinel confidence = %g, want 0", sentinel.Confidence)
	}
	if !strings.Contains(sentinel.Error, "quota exceeded") {
		t.Errorf("sentinel error %q does not carry the cause", sentinel.Error)
	}
}

func TestTranscribeSegments_SentinelAfterFallbackExhausted(t *testing.T) {
	failA := &mock.Provider{ProviderName: "a", Err: errors.New("a down")}
	ok := &mock.Provider{ProviderName: "b", Result: &speech.Result{Text: "rescued", Confidence: 0.8, Provider: "b"}}

	d := New(4, nil, nil)
	results, err := d.TranscribeSegments(t.Context(), "/tmp/a.wav", []Span{{0, 10}}, []speech.Provider{failA, ok})
	if err != nil {
		t.Fatalf("TranscribeSegments: %v", err)
	}
	if results[0].Text != "rescued" || results[0].Provider != "b" {
		t.Errorf("result = %+v, want fallback provider's", results[0])
	}
}

func TestPick(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		noise    float64
		speakers int
		want     string
	}{
		{"long and noisy", 7200, 0.8, 2, "assemblyai"},
		{"long and clean", 7200, 0.2, 2, "deepgram"},
		{"meeting", 1200, 0.2, 5, "assemblyai"},
		{"short and noisy", 1200, 0.65, 2, "openai"},
		{"default", 1200, 0.3, 2, "deepgram"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Pick(tt.duration, tt.noise, tt.speakers); got != tt.want {
				t.Errorf("Pick(%g, %g, %d) = %q, want %q", tt.duration, tt.noise, tt.speakers, got, tt.want)
			}
		})
	}
}

func TestCostEstimate(t *testing.T) {
	tests := []struct {
		provider string
		seconds  float64
		want     float64
	}{
		{"openai", 600, 0.06},
		{"deepgram", 600, 0.043},
		{"azure", 60, 0.02},
		{"something-new", 60, 0.01},
	}
	for _, tt := range tests {
		if got := CostEstimate(tt.provider, tt.seconds); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("CostEstimate(%q, %g) = %g, want %g", tt.provider, tt.seconds, got, tt.want)
		}
	}
}
