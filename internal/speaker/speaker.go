// Package speaker unifies per-chunk local speaker labels into global
// identities by clustering turn embeddings, and matches the result against
// the user's stored voice fingerprint.
package speaker

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/Skyjoy0512/voicenote/internal/diarize"
)

// SelfName is the reserved display name for the cluster matching the user's
// own fingerprint.
const SelfName = "self"

// Global is one unified speaker identity across all chunks of a recording.
type Global struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Embedding    []float32 `json:"-"`
	Confidence   float64   `json:"confidence"`
	SegmentCount int       `json:"segmentCount"`
}

// Analysis is the unifier output: the global speaker set, the local-label
// mapping, and summary scores.
type Analysis struct {
	Speakers []Global
	// Mapping takes a local speaker label to a global speaker ID. Labels
	// absent from the map pass through the merger unchanged.
	Mapping map[string]string
	// ConfidenceScores is the mean attribution confidence per global ID.
	ConfidenceScores map[string]float64
	// Consistency scores how stable speaker turns are over time, in
	// [0.5, 1]. Single-segment inputs score 1.
	Consistency float64
}

// Config bounds the unification.
type Config struct {
	// MaxSpeakers caps the number of global identities.
	MaxSpeakers int
	// MatchThreshold is the minimum cosine similarity between a cluster
	// representative and the user fingerprint for the cluster to be named
	// "self".
	MatchThreshold float64
}

// Unify clusters segment embeddings into at most MaxSpeakers global
// identities. fingerprint may be nil when the user has no stored voice.
//
// Segments without embeddings do not participate in clustering but their
// labels still map through majority vote of their labelmates. With fewer
// than two embedded segments the whole recording collapses to one default
// speaker; if clustering cannot run, every local label becomes its own
// global identity.
func Unify(segments []diarize.Segment, fingerprint []float32, cfg Config) Analysis {
	valid := make([]int, 0, len(segments))
	for i, seg := range segments {
		if len(seg.Embedding) > 0 {
			valid = append(valid, i)
		}
	}

	if len(valid) < 2 {
		return singleSpeaker(segments)
	}

	embeddings := make([][]float64, len(valid))
	for i, idx := range valid {
		embeddings[i] = toFloat64(segments[idx].Embedding)
	}

	k := cfg.MaxSpeakers
	if k <= 0 || k > len(valid) {
		k = len(valid)
	}
	clusters, err := agglomerate(embeddings, k)
	if err != nil {
		return identityMapping(segments)
	}

	// Number clusters by their earliest member so IDs are stable across
	// runs regardless of merge order.
	sort.Slice(clusters, func(a, b int) bool { return clusters[a][0] < clusters[b][0] })

	globals := make([]Global, len(clusters))
	memberCluster := make(map[int]int, len(valid)) // segment index -> cluster id
	for cid, members := range clusters {
		rep := meanEmbedding(embeddings, members)
		var conf float64
		for _, m := range members {
			conf += segments[valid[m]].Confidence
			memberCluster[valid[m]] = cid
		}
		globals[cid] = Global{
			ID:           fmt.Sprintf("SPEAKER_%02d", cid),
			DisplayName:  fmt.Sprintf("speaker_%d", cid+1),
			Embedding:    toFloat32(rep),
			Confidence:   conf / float64(len(members)),
			SegmentCount: len(members),
		}
	}

	markSelf(globals, fingerprint, cfg.MatchThreshold)

	mapping := labelMapping(segments, memberCluster, globals)
	return Analysis{
		Speakers:         globals,
		Mapping:          mapping,
		ConfidenceScores: confidenceScores(globals),
		Consistency:      consistency(segments, mapping),
	}
}

// markSelf renames the single best-matching cluster when its representative
// meets the threshold. Similarity exactly at the threshold matches; equal
// similarities resolve to the lowest cluster id.
func markSelf(globals []Global, fingerprint []float32, threshold float64) {
	if len(fingerprint) == 0 {
		return
	}
	fp := toFloat64(fingerprint)
	best, bestSim := -1, math.Inf(-1)
	for i := range globals {
		sim := cosine(toFloat64(globals[i].Embedding), fp)
		if sim < threshold {
			continue
		}
		if sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best >= 0 {
		globals[best].DisplayName = SelfName
	}
}

// labelMapping assigns each local label the cluster holding most of its
// segments. Ties resolve to the lowest cluster id.
func labelMapping(segments []diarize.Segment, memberCluster map[int]int, globals []Global) map[string]string {
	votes := map[string]map[int]int{}
	for i, seg := range segments {
		cid, ok := memberCluster[i]
		if !ok {
			continue
		}
		if votes[seg.Speaker] == nil {
			votes[seg.Speaker] = map[int]int{}
		}
		votes[seg.Speaker][cid]++
	}

	mapping := make(map[string]string, len(votes))
	for label, tally := range votes {
		best, bestN := -1, 0
		for cid, n := range tally {
			if n > bestN || (n == bestN && cid < best) {
				best, bestN = cid, n
			}
		}
		mapping[label] = globals[best].ID
	}
	return mapping
}

// singleSpeaker is the degraded path for recordings with too few embeddings
// to cluster.
func singleSpeaker(segments []diarize.Segment) Analysis {
	var conf float64
	var emb []float32
	for _, seg := range segments {
		conf += seg.Confidence
		if emb == nil && len(seg.Embedding) > 0 {
			emb = seg.Embedding
		}
	}
	if len(segments) > 0 {
		conf /= float64(len(segments))
	} else {
		conf = 0.5
	}

	g := Global{
		ID:           "SPEAKER_00",
		DisplayName:  "speaker_1",
		Embedding:    emb,
		Confidence:   conf,
		SegmentCount: len(segments),
	}
	mapping := map[string]string{}
	for _, seg := range segments {
		mapping[seg.Speaker] = g.ID
	}
	return Analysis{
		Speakers:         []Global{g},
		Mapping:          mapping,
		ConfidenceScores: confidenceScores([]Global{g}),
		Consistency:      consistency(segments, mapping),
	}
}

// identityMapping is the degraded path for clustering failures: one global
// identity per local label.
func identityMapping(segments []diarize.Segment) Analysis {
	order := make([]string, 0)
	seen := map[string]bool{}
	stats := map[string]*Global{}
	for _, seg := range segments {
		if !seen[seg.Speaker] {
			seen[seg.Speaker] = true
			order = append(order, seg.Speaker)
		}
	}
	sort.Strings(order)

	globals := make([]Global, 0, len(order))
	mapping := make(map[string]string, len(order))
	for i, label := range order {
		g := Global{
			ID:          fmt.Sprintf("SPEAKER_%02d", i),
			DisplayName: fmt.Sprintf("speaker_%d", i+1),
		}
		stats[label] = &g
		mapping[label] = g.ID
		globals = append(globals, g)
	}
	for _, seg := range segments {
		g := stats[seg.Speaker]
		g.Confidence += seg.Confidence
		g.SegmentCount++
		if g.Embedding == nil && len(seg.Embedding) > 0 {
			g.Embedding = seg.Embedding
		}
	}
	for i, label := range order {
		g := stats[label]
		if g.SegmentCount > 0 {
			g.Confidence /= float64(g.SegmentCount)
		}
		globals[i] = *g
	}
	return Analysis{
		Speakers:         globals,
		Mapping:          mapping,
		ConfidenceScores: confidenceScores(globals),
		Consistency:      consistency(segments, mapping),
	}
}

// consistency measures turn stability: the fraction of adjacent time-sorted
// segment pairs keeping the same speaker, floored at 0.5.
func consistency(segments []diarize.Segment, mapping map[string]string) float64 {
	if len(segments) < 2 {
		return 1.0
	}
	ordered := make([]diarize.Segment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].StartSec < ordered[b].StartSec })

	globalOf := func(label string) string {
		if g, ok := mapping[label]; ok {
			return g
		}
		return label
	}

	changes := 0
	for i := 1; i < len(ordered); i++ {
		if globalOf(ordered[i].Speaker) != globalOf(ordered[i-1].Speaker) {
			changes++
		}
	}
	score := 1.0 - float64(changes)/float64(len(ordered)-1)
	return math.Max(0.5, score)
}

func confidenceScores(globals []Global) map[string]float64 {
	scores := make(map[string]float64, len(globals))
	for _, g := range globals {
		scores[g.ID] = g.Confidence
	}
	return scores
}

func meanEmbedding(embeddings [][]float64, members []int) []float64 {
	rep := make([]float64, len(embeddings[members[0]]))
	for _, m := range members {
		floats.Add(rep, embeddings[m])
	}
	floats.Scale(1/float64(len(members)), rep)
	return rep
}

// cosine similarity; zero vectors score 0.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
