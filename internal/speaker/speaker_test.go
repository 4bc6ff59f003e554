package speaker

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/Skyjoy0512/voicenote/internal/diarize"
)

// voice returns a unit embedding near basis axis b, perturbed slightly so
// members of one speaker are similar but not identical.
func voice(b int, jitter float64, rng *rand.Rand) []float32 {
	v := make([]float32, 16)
	v[b] = 1
	for i := range v {
		v[i] += float32(jitter * rng.NormFloat64())
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

func twoSpeakerSegments(t *testing.T) []diarize.Segment {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	var segments []diarize.Segment
	for i := 0; i < 10; i++ {
		b := i % 2
		segments = append(segments, diarize.Segment{
			StartSec:   float64(i) * 5,
			EndSec:     float64(i)*5 + 5,
			Speaker:    fmt.Sprintf("c%d:spk%d", i/5, b),
			Confidence: 0.9,
			Embedding:  voice(b, 0.05, rng),
		})
	}
	return segments
}

func TestUnify_SeparatesTwoSpeakers(t *testing.T) {
	segments := twoSpeakerSegments(t)
	a := Unify(segments, nil, Config{MaxSpeakers: 5, MatchThreshold: 0.8})

	if len(a.Speakers) > 5 {
		t.Fatalf("got %d speakers, exceeds max", len(a.Speakers))
	}
	// The two alternating voices must land in different globals, and the
	// same voice in both chunks must land in the same one.
	m := a.Mapping
	if m["c0:spk0"] == m["c0:spk1"] {
		t.Error("distinct voices mapped to the same global speaker")
	}
	if m["c0:spk0"] != m["c1:spk0"] {
		t.Errorf("same voice split across globals: %q vs %q", m["c0:spk0"], m["c1:spk0"])
	}
	if m["c0:spk1"] != m["c1:spk1"] {
		t.Errorf("same voice split across globals: %q vs %q", m["c0:spk1"], m["c1:spk1"])
	}
}

func TestUnify_ExactlyOneSelf(t *testing.T) {
	segments := twoSpeakerSegments(t)
	// Fingerprint aligned with voice 0: both clusters are compared, only
	// the single best may be named "self".
	fp := make([]float32, 16)
	fp[0] = 1

	a := Unify(segments, fp, Config{MaxSpeakers: 5, MatchThreshold: 0.8})

	selfCount := 0
	var selfID string
	for _, g := range a.Speakers {
		if g.DisplayName == SelfName {
			selfCount++
			selfID = g.ID
		}
	}
	if selfCount != 1 {
		t.Fatalf("got %d speakers named self, want exactly 1", selfCount)
	}
	if a.Mapping["c0:spk0"] != selfID {
		t.Errorf("voice 0 mapped to %q, want the self cluster %q", a.Mapping["c0:spk0"], selfID)
	}
}

func TestUnify_SelfAtExactThreshold(t *testing.T) {
	// One speaker whose representative equals the fingerprint: cosine
	// similarity is exactly 1.0, which must satisfy a threshold of 1.0.
	fp := make([]float32, 16)
	fp[0] = 1
	segments := []diarize.Segment{
		{StartSec: 0, EndSec: 5, Speaker: "spk0", Confidence: 0.9, Embedding: fp},
	}

	a := Unify(segments, fp, Config{MaxSpeakers: 5, MatchThreshold: 1.0})
	if len(a.Speakers) != 1 || a.Speakers[0].DisplayName != SelfName {
		t.Fatalf("speakers = %+v, want the single cluster named %q", a.Speakers, SelfName)
	}
}

func TestUnify_NoSelfBelowThreshold(t *testing.T) {
	segments := twoSpeakerSegments(t)
	// Orthogonal fingerprint: nobody is the user.
	fp := make([]float32, 16)
	fp[7] = 1

	a := Unify(segments, fp, Config{MaxSpeakers: 5, MatchThreshold: 0.8})
	for _, g := range a.Speakers {
		if g.DisplayName == SelfName {
			t.Fatalf("speaker %s named self with no matching fingerprint", g.ID)
		}
	}
}

func TestUnify_SingleEmbeddingCollapses(t *testing.T) {
	segments := []diarize.Segment{
		{StartSec: 0, EndSec: 5, Speaker: "spk0", Confidence: 0.9, Embedding: []float32{1, 0}},
		{StartSec: 5, EndSec: 8, Speaker: "spk1", Confidence: 0.8},
	}
	a := Unify(segments, nil, Config{MaxSpeakers: 5, MatchThreshold: 0.8})

	if len(a.Speakers) != 1 {
		t.Fatalf("got %d speakers, want 1", len(a.Speakers))
	}
	if a.Mapping["spk0"] != a.Speakers[0].ID || a.Mapping["spk1"] != a.Speakers[0].ID {
		t.Errorf("labels not collapsed to the single speaker: %v", a.Mapping)
	}
	if want := (0.9 + 0.8) / 2; math.Abs(a.Speakers[0].Confidence-want) > 1e-9 {
		t.Errorf("confidence = %g, want %g", a.Speakers[0].Confidence, want)
	}
}

func TestUnify_NoSegments(t *testing.T) {
	a := Unify(nil, nil, Config{MaxSpeakers: 5, MatchThreshold: 0.8})
	if len(a.Speakers) != 1 {
		t.Fatalf("got %d speakers, want single default", len(a.Speakers))
	}
	if a.Consistency != 1.0 {
		t.Errorf("consistency = %g, want 1", a.Consistency)
	}
}

func TestUnify_DimensionMismatchFallsBackToIdentity(t *testing.T) {
	segments := []diarize.Segment{
		{StartSec: 0, EndSec: 5, Speaker: "spk0", Confidence: 0.9, Embedding: []float32{1, 0, 0}},
		{StartSec: 5, EndSec: 10, Speaker: "spk1", Confidence: 0.9, Embedding: []float32{0, 1}},
		{StartSec: 10, EndSec: 15, Speaker: "spk0", Confidence: 0.9, Embedding: []float32{1, 0, 0}},
	}
	a := Unify(segments, nil, Config{MaxSpeakers: 5, MatchThreshold: 0.8})

	if len(a.Speakers) != 2 {
		t.Fatalf("got %d speakers, want one per local label", len(a.Speakers))
	}
	if a.Mapping["spk0"] == a.Mapping["spk1"] {
		t.Error("identity fallback merged distinct labels")
	}
}

func TestConsistency(t *testing.T) {
	seg := func(start float64, label string) diarize.Segment {
		return diarize.Segment{StartSec: start, EndSec: start + 1, Speaker: label}
	}
	tests := []struct {
		name     string
		segments []diarize.Segment
		want     float64
	}{
		{"single segment", []diarize.Segment{seg(0, "a")}, 1.0},
		{"no changes", []diarize.Segment{seg(0, "a"), seg(1, "a"), seg(2, "a")}, 1.0},
		{"one change of two transitions", []diarize.Segment{seg(0, "a"), seg(1, "b"), seg(2, "b")}, 0.5},
		{"alternating floors at half", []diarize.Segment{seg(0, "a"), seg(1, "b"), seg(2, "a"), seg(3, "b")}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := consistency(tt.segments, nil); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("consistency = %g, want %g", got, tt.want)
			}
		})
	}
}

func TestAgglomerate_GroupsByVoice(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	var embeddings [][]float64
	for i := 0; i < 9; i++ {
		v := voice(i%3, 0.05, rng)
		e := make([]float64, len(v))
		for j, x := range v {
			e[j] = float64(x)
		}
		embeddings = append(embeddings, e)
	}

	clusters, err := agglomerate(embeddings, 3)
	if err != nil {
		t.Fatalf("agglomerate: %v", err)
	}
	if len(clusters) != 3 {
		t.Fatalf("got %d clusters, want 3", len(clusters))
	}
	for _, members := range clusters {
		if len(members) != 3 {
			t.Fatalf("cluster sizes %v, want 3 each", members)
		}
		for _, m := range members[1:] {
			if m%3 != members[0]%3 {
				t.Errorf("cluster %v mixes voices", members)
			}
		}
	}
}

func TestAgglomerate_KEqualsN(t *testing.T) {
	embeddings := [][]float64{{1, 0}, {0, 1}}
	clusters, err := agglomerate(embeddings, 2)
	if err != nil {
		t.Fatalf("agglomerate: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("got %d clusters, want 2", len(clusters))
	}
}

func TestAgglomerate_InvalidK(t *testing.T) {
	if _, err := agglomerate([][]float64{{1, 0}}, 2); err == nil {
		t.Error("expected error for k > n")
	}
	if _, err := agglomerate([][]float64{{1, 0}}, 0); err == nil {
		t.Error("expected error for k < 1")
	}
}
