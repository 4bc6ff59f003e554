package merge

import (
	"math"
	"sort"
	"testing"

	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

func seg(start, end float64, text, label string, conf float64) Segment {
	return Segment{StartSec: start, EndSec: end, Text: text, GlobalSpeakerID: label, Confidence: conf}
}

func TestMerge_ShiftsOffsetsAndWords(t *testing.T) {
	chunks := []ChunkResult{
		{OffsetSec: 0, Segments: []Segment{
			{StartSec: 0, EndSec: 5, Text: "a", GlobalSpeakerID: "spk0", Confidence: 0.9,
				Words: []speech.Word{{Word: "a", Start: 0.5, End: 1.0, Confidence: 0.9}}},
		}},
		{OffsetSec: 1500, Segments: []Segment{
			{StartSec: 2, EndSec: 7, Text: "b", GlobalSpeakerID: "spk0", Confidence: 0.9,
				Words: []speech.Word{{Word: "b", Start: 2.5, End: 3.0, Confidence: 0.9}}},
		}},
	}

	out := Merge(chunks, nil, 0.8)
	if len(out.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(out.Segments))
	}
	second := out.Segments[1]
	if second.StartSec != 1502 || second.EndSec != 1507 {
		t.Errorf("shifted bounds = [%g, %g), want [1502, 1507)", second.StartSec, second.EndSec)
	}
	if w := second.Words[0]; w.Start != 1502.5 || w.End != 1503 {
		t.Errorf("shifted word = [%g, %g), want [1502.5, 1503)", w.Start, w.End)
	}
}

func TestMerge_RemapsLabels(t *testing.T) {
	chunks := []ChunkResult{
		{Segments: []Segment{
			seg(0, 5, "a", "c0:spk0", 0.9),
			seg(5, 10, "b", "mystery", 0.9),
		}},
	}
	mapping := map[string]string{"c0:spk0": "SPEAKER_00"}

	out := Merge(chunks, mapping, 0.8)
	if out.Segments[0].GlobalSpeakerID != "SPEAKER_00" {
		t.Errorf("mapped label = %q, want SPEAKER_00", out.Segments[0].GlobalSpeakerID)
	}
	if out.Segments[1].GlobalSpeakerID != "mystery" {
		t.Errorf("unknown label = %q, want passed through unchanged", out.Segments[1].GlobalSpeakerID)
	}
}

func TestMerge_DedupeKeepsHigherConfidence(t *testing.T) {
	// Two sibling segments with 90% overlap: the 0.8 one must survive,
	// regardless of which chunk contributed it.
	chunks := []ChunkResult{
		{OffsetSec: 0, Segments: []Segment{seg(100, 110, "weak", "spk0", 0.6)}},
		{OffsetSec: 0, Segments: []Segment{seg(101, 110, "strong", "spk0", 0.8)}},
	}

	out := Merge(chunks, nil, 0.8)
	if len(out.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(out.Segments))
	}
	if out.Segments[0].Text != "strong" {
		t.Errorf("kept %q, want the higher-confidence segment", out.Segments[0].Text)
	}
}

func TestMerge_DedupeTieDropsLater(t *testing.T) {
	chunks := []ChunkResult{
		{Segments: []Segment{seg(0, 10, "first", "spk0", 0.7)}},
		{Segments: []Segment{seg(0.5, 10, "second", "spk0", 0.7)}},
	}

	out := Merge(chunks, nil, 0.8)
	if len(out.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(out.Segments))
	}
	if out.Segments[0].Text != "first" {
		t.Errorf("kept %q, want the earlier segment on a confidence tie", out.Segments[0].Text)
	}
}

func TestMerge_LowOverlapKeepsBoth(t *testing.T) {
	chunks := []ChunkResult{
		{Segments: []Segment{
			seg(0, 10, "a", "spk0", 0.9),
			seg(8, 20, "b", "spk1", 0.9), // 2s shared over 10s shorter = 0.2
		}},
	}
	out := Merge(chunks, nil, 0.8)
	if len(out.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(out.Segments))
	}
}

func TestMerge_DeterministicOrdering(t *testing.T) {
	// Zero-duration boundary markers at the same start never overlap, so
	// both survive dedupe and must order by (speaker, end).
	chunks := []ChunkResult{
		{Segments: []Segment{
			seg(5, 5, "marker b", "SPEAKER_01", 0.9),
			seg(5, 5, "marker a", "SPEAKER_00", 0.9),
			seg(0, 4, "opening", "SPEAKER_00", 0.9),
			seg(6, 12, "closing", "SPEAKER_01", 0.9),
		}},
	}

	out := Merge(chunks, nil, 0.8)
	if !sort.SliceIsSorted(out.Segments, func(a, b int) bool {
		sa, sb := out.Segments[a], out.Segments[b]
		if sa.StartSec != sb.StartSec {
			return sa.StartSec < sb.StartSec
		}
		if sa.GlobalSpeakerID != sb.GlobalSpeakerID {
			return sa.GlobalSpeakerID < sb.GlobalSpeakerID
		}
		return sa.EndSec < sb.EndSec
	}) {
		t.Errorf("output not ordered by (start, speaker, end): %+v", out.Segments)
	}
	want := []string{"opening", "marker a", "marker b", "closing"}
	for i, text := range want {
		if out.Segments[i].Text != text {
			t.Errorf("segment %d = %q, want %q", i, out.Segments[i].Text, text)
		}
	}
}

func TestMerge_Statistics(t *testing.T) {
	chunks := []ChunkResult{
		{Segments: []Segment{
			seg(0, 10, "a", "SPEAKER_00", 0.9),
			seg(10, 15, "b", "SPEAKER_00", 0.7),
			seg(15, 18, "c", "SPEAKER_01", 0.5),
		}},
	}

	out := Merge(chunks, nil, 0.8)

	s0 := out.SpeakerStats["SPEAKER_00"]
	if s0.SegmentCount != 2 || math.Abs(s0.TotalDurationSec-15) > 1e-9 {
		t.Errorf("SPEAKER_00 stats = %+v, want 2 segments over 15s", s0)
	}
	if math.Abs(s0.AvgConfidence-0.8) > 1e-9 {
		t.Errorf("SPEAKER_00 avg confidence = %g, want 0.8", s0.AvgConfidence)
	}

	q := out.Quality
	if math.Abs(q.AvgConfidence-0.7) > 1e-9 {
		t.Errorf("avg confidence = %g, want 0.7", q.AvgConfidence)
	}
	if q.MinConfidence != 0.5 || q.MaxConfidence != 0.9 {
		t.Errorf("min/max = %g/%g, want 0.5/0.9", q.MinConfidence, q.MaxConfidence)
	}
	if q.LowConfidenceCount != 1 {
		t.Errorf("low-confidence count = %d, want 1", q.LowConfidenceCount)
	}
}

func TestMerge_Empty(t *testing.T) {
	out := Merge(nil, nil, 0.8)
	if len(out.Segments) != 0 {
		t.Errorf("got %d segments, want none", len(out.Segments))
	}
	if out.Quality.LowConfidenceCount != 0 || out.Quality.AvgConfidence != 0 {
		t.Errorf("quality = %+v, want zero value", out.Quality)
	}
}
