// Package merge integrates per-chunk transcription results into one
// transcript: chunk-relative times shift to recording time, local speaker
// labels map to global identities, segments duplicated by chunk overlap are
// deduplicated, and the output is deterministically ordered with summary
// statistics.
package merge

import (
	"math"
	"sort"

	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

// lowConfidence is the ceiling under which a segment counts as low quality
// in the output statistics.
const lowConfidence = 0.7

// Segment is one transcribed interval of the final transcript.
type Segment struct {
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`

	// GlobalSpeakerID is the unified speaker identity. Local labels with no
	// mapping pass through unchanged.
	GlobalSpeakerID string `json:"global_speaker_id"`

	// Provider names the speech API that produced the text.
	Provider string `json:"provider"`

	Words []speech.Word `json:"word_timestamps,omitempty"`
}

// ChunkResult carries one chunk's transcription with chunk-relative times.
// Input segments hold the chunk-local speaker label in GlobalSpeakerID;
// [Merge] rewrites it through the unifier's mapping.
type ChunkResult struct {
	// OffsetSec is the chunk's start within the source recording.
	OffsetSec float64
	Segments  []Segment
}

// SpeakerStat summarizes one global speaker's share of the transcript.
type SpeakerStat struct {
	TotalDurationSec float64 `json:"total_duration_sec"`
	SegmentCount     int     `json:"segment_count"`
	AvgConfidence    float64 `json:"avg_confidence"`
}

// QualityStats summarizes transcript confidence.
type QualityStats struct {
	AvgConfidence      float64 `json:"avg_confidence"`
	MinConfidence      float64 `json:"min_confidence"`
	MaxConfidence      float64 `json:"max_confidence"`
	LowConfidenceCount int     `json:"low_confidence_count"`
}

// Output is the merged transcript plus statistics.
type Output struct {
	Segments     []Segment              `json:"segments"`
	SpeakerStats map[string]SpeakerStat `json:"speaker_statistics"`
	Quality      QualityStats           `json:"quality_statistics"`
}

// Merge integrates chunk results. mapping takes local speaker labels to
// global IDs; dedupeThreshold is the overlap-to-shorter-duration ratio above
// which two segments count as duplicates of each other.
func Merge(chunks []ChunkResult, mapping map[string]string, dedupeThreshold float64) Output {
	var candidates []Segment
	for _, chunk := range chunks {
		for _, seg := range chunk.Segments {
			shifted := seg
			shifted.StartSec += chunk.OffsetSec
			shifted.EndSec += chunk.OffsetSec
			if len(seg.Words) > 0 {
				shifted.Words = make([]speech.Word, len(seg.Words))
				for i, w := range seg.Words {
					w.Start += chunk.OffsetSec
					w.End += chunk.OffsetSec
					shifted.Words[i] = w
				}
			}
			if global, ok := mapping[shifted.GlobalSpeakerID]; ok {
				shifted.GlobalSpeakerID = global
			}
			candidates = append(candidates, shifted)
		}
	}

	accepted := dedupe(candidates, dedupeThreshold)

	sort.SliceStable(accepted, func(a, b int) bool {
		sa, sb := accepted[a], accepted[b]
		if sa.StartSec != sb.StartSec {
			return sa.StartSec < sb.StartSec
		}
		if sa.GlobalSpeakerID != sb.GlobalSpeakerID {
			return sa.GlobalSpeakerID < sb.GlobalSpeakerID
		}
		return sa.EndSec < sb.EndSec
	})

	return Output{
		Segments:     accepted,
		SpeakerStats: speakerStats(accepted),
		Quality:      qualityStats(accepted),
	}
}

// dedupe drops overlap duplicates. Candidates are visited in time order;
// when a candidate overlaps an accepted segment beyond the threshold the
// lower-confidence one goes, and on equal confidence the later one goes.
func dedupe(candidates []Segment, threshold float64) []Segment {
	ordered := make([]Segment, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].StartSec != ordered[b].StartSec {
			return ordered[a].StartSec < ordered[b].StartSec
		}
		return ordered[a].EndSec < ordered[b].EndSec
	})

	accepted := make([]Segment, 0, len(ordered))
	for _, cand := range ordered {
		replaced := false
		dropped := false
		for i := range accepted {
			if overlapRatio(accepted[i], cand) < threshold {
				continue
			}
			// cand arrived later, so it loses ties.
			if cand.Confidence > accepted[i].Confidence {
				accepted[i] = cand
				replaced = true
			} else {
				dropped = true
			}
			break
		}
		if !replaced && !dropped {
			accepted = append(accepted, cand)
		}
	}
	return accepted
}

// overlapRatio is shared time over the shorter segment's duration.
func overlapRatio(a, b Segment) float64 {
	overlap := math.Min(a.EndSec, b.EndSec) - math.Max(a.StartSec, b.StartSec)
	if overlap <= 0 {
		return 0
	}
	shorter := math.Min(a.EndSec-a.StartSec, b.EndSec-b.StartSec)
	if shorter <= 0 {
		return 0
	}
	return overlap / shorter
}

func speakerStats(segments []Segment) map[string]SpeakerStat {
	stats := map[string]SpeakerStat{}
	for _, seg := range segments {
		st := stats[seg.GlobalSpeakerID]
		st.TotalDurationSec += seg.EndSec - seg.StartSec
		st.SegmentCount++
		st.AvgConfidence += seg.Confidence
		stats[seg.GlobalSpeakerID] = st
	}
	for id, st := range stats {
		st.AvgConfidence /= float64(st.SegmentCount)
		stats[id] = st
	}
	return stats
}

func qualityStats(segments []Segment) QualityStats {
	if len(segments) == 0 {
		return QualityStats{}
	}
	q := QualityStats{MinConfidence: math.Inf(1), MaxConfidence: math.Inf(-1)}
	for _, seg := range segments {
		q.AvgConfidence += seg.Confidence
		q.MinConfidence = math.Min(q.MinConfidence, seg.Confidence)
		q.MaxConfidence = math.Max(q.MaxConfidence, seg.Confidence)
		if seg.Confidence < lowConfidence {
			q.LowConfidenceCount++
		}
	}
	q.AvgConfidence /= float64(len(segments))
	return q
}
