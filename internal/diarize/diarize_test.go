package diarize

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/audio"
)

// writeTone renders sec seconds of a 440 Hz tone to a temp WAV file.
func writeTone(t *testing.T, sec float64) string {
	t.Helper()
	n := int(sec * float64(audio.SampleRate))
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.4 * math.Sin(2*math.Pi*440*float64(i)/float64(audio.SampleRate))
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	if err := os.WriteFile(path, audio.EncodeWAV(samples, audio.SampleRate), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMockDiarize_CoversRecording(t *testing.T) {
	path := writeTone(t, 12)
	m := &Mock{TurnSec: 5}

	segments, err := m.Diarize(t.Context(), path, 5)
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(segments))
	}

	prevEnd := 0.0
	for i, seg := range segments {
		if seg.EndSec <= seg.StartSec {
			t.Errorf("segment %d: end %g <= start %g", i, seg.EndSec, seg.StartSec)
		}
		if math.Abs(seg.StartSec-prevEnd) > 1e-9 {
			t.Errorf("segment %d starts at %g, want %g", i, seg.StartSec, prevEnd)
		}
		prevEnd = seg.EndSec
	}
	if math.Abs(prevEnd-12) > 1e-9 {
		t.Errorf("coverage ends at %g, want 12", prevEnd)
	}
}

func TestMockDiarize_RespectsMaxSpeakers(t *testing.T) {
	path := writeTone(t, 30)
	m := &Mock{TurnSec: 5, Speakers: 4}

	segments, err := m.Diarize(t.Context(), path, 2)
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	labels := map[string]bool{}
	for _, seg := range segments {
		labels[seg.Speaker] = true
	}
	if len(labels) != 2 {
		t.Errorf("got %d distinct labels %v, want 2", len(labels), labels)
	}
}

func TestMockDiarize_EmbeddingsStablePerLabel(t *testing.T) {
	path := writeTone(t, 15)
	m := &Mock{TurnSec: 5, Speakers: 2}

	first, err := m.Diarize(t.Context(), path, 5)
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	second, err := m.Diarize(t.Context(), path, 5)
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}

	byLabel := map[string][]float32{}
	for _, seg := range first {
		byLabel[seg.Speaker] = seg.Embedding
	}
	for _, seg := range second {
		want := byLabel[seg.Speaker]
		for i := range want {
			if seg.Embedding[i] != want[i] {
				t.Fatalf("label %s embedding changed between runs", seg.Speaker)
			}
		}
	}

	// Different labels must have different voices.
	a, b := byLabel["spk0"], byLabel["spk1"]
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot > 0.99 {
		t.Errorf("spk0 and spk1 embeddings nearly identical (cos %g)", dot)
	}
}

func TestMockDiarize_EmbeddingsUnitNorm(t *testing.T) {
	path := writeTone(t, 5)
	m := &Mock{}

	segments, err := m.Diarize(t.Context(), path, 5)
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	for _, seg := range segments {
		if len(seg.Embedding) != EmbeddingDim {
			t.Fatalf("embedding dim = %d, want %d", len(seg.Embedding), EmbeddingDim)
		}
		var sum float64
		for _, v := range seg.Embedding {
			sum += float64(v) * float64(v)
		}
		if math.Abs(math.Sqrt(sum)-1) > 1e-4 {
			t.Errorf("embedding norm = %g, want 1", math.Sqrt(sum))
		}
	}
}

func TestMockEmbed_Deterministic(t *testing.T) {
	path := writeTone(t, 3)
	m := &Mock{Seed: 7}

	a, err := m.Embed(t.Context(), path)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := m.Embed(t.Context(), path)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("Embed not deterministic")
		}
	}
}

func TestMockDiarize_MissingFile(t *testing.T) {
	m := &Mock{}
	_, err := m.Diarize(t.Context(), filepath.Join(t.TempDir(), "missing.wav"), 5)
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Errorf("kind = %v, want KindInvalidInput", apperr.KindOf(err))
	}
}

func TestNormalize32(t *testing.T) {
	if got := normalize32(nil); got != nil {
		t.Errorf("normalize32(nil) = %v, want nil", got)
	}
	if got := normalize32([]float32{0, 0}); got != nil {
		t.Errorf("normalize32(zero) = %v, want nil", got)
	}
	v := normalize32([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("normalize32([3 4]) = %v, want [0.6 0.8]", v)
	}
}
