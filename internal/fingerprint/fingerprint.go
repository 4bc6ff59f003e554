// Package fingerprint maintains each user's cumulative voice embedding. New
// voice samples fold into the stored fingerprint by a quality-weighted
// running average, so clean recordings pull harder than noisy ones.
package fingerprint

import (
	"context"
	"math"
	"time"
)

// Fingerprint is one user's persistent voice identity.
type Fingerprint struct {
	// Embedding is unit L2-norm after every update.
	Embedding []float32 `json:"embedding"`

	// Quality is the running quality estimate in [0, 1].
	Quality float64 `json:"quality_score"`

	// AudioCount is the number of samples folded in so far.
	AudioCount int `json:"audio_count"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// Stats summarizes a user's fingerprint without the vector payload.
type Stats struct {
	Present     bool      `json:"present"`
	AudioCount  int       `json:"audio_count"`
	Quality     float64   `json:"quality_score"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Store persists fingerprints. Update is atomic per user: concurrent updates
// for the same user serialize, so no fold is lost.
type Store interface {
	// Get returns the user's fingerprint, or (nil, nil) when absent.
	Get(ctx context.Context, userID string) (*Fingerprint, error)

	// Update folds a new embedding into the user's fingerprint and returns
	// the merged result. An absent fingerprint is created with count 1.
	Update(ctx context.Context, userID string, embedding []float32, quality float64) (*Fingerprint, error)

	// Stats reports presence and counters.
	Stats(ctx context.Context, userID string) (Stats, error)
}

// merge folds (embedding, quality) into old. A nil old starts a fresh
// fingerprint. The blend weighs the stored side by quality times sample
// count, the new side by its quality alone; the result is re-normalized to
// unit length and the quality estimate is the mean of old and new.
func merge(old *Fingerprint, embedding []float32, quality float64, now time.Time) Fingerprint {
	if old == nil {
		return Fingerprint{
			Embedding:   unitNorm(embedding),
			Quality:     quality,
			AudioCount:  1,
			LastUpdated: now,
		}
	}

	wOld := old.Quality * float64(old.AudioCount)
	wNew := quality
	total := wOld + wNew

	merged := make([]float32, len(old.Embedding))
	for i := range merged {
		var n float64
		if i < len(embedding) {
			n = float64(embedding[i])
		}
		merged[i] = float32((wOld*float64(old.Embedding[i]) + wNew*n) / total)
	}

	return Fingerprint{
		Embedding:   unitNorm(merged),
		Quality:     (old.Quality + quality) / 2,
		AudioCount:  old.AudioCount + 1,
		LastUpdated: now,
	}
}

func unitNorm(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
