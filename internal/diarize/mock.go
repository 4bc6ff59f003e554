package diarize

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/audio"
)

// Mock is a deterministic diarizer used when the onnx models are not
// deployed and by tests. It splits the recording into fixed-length turns,
// assigns speakers round-robin, and derives each speaker's embedding from a
// seeded generator so the same label always yields the same voice.
type Mock struct {
	// TurnSec is the synthetic turn length. Zero means 5 seconds.
	TurnSec float64

	// Speakers is the number of distinct synthetic speakers before the
	// maxSpeakers cap. Zero means 2.
	Speakers int

	// Seed perturbs the embedding space so different Mock instances can
	// emulate different voices for the same label.
	Seed uint64
}

var _ Diarizer = (*Mock)(nil)

func (m *Mock) turnSec() float64 {
	if m.TurnSec <= 0 {
		return 5
	}
	return m.TurnSec
}

func (m *Mock) speakers(maxSpeakers int) int {
	n := m.Speakers
	if n <= 0 {
		n = 2
	}
	if maxSpeakers > 0 && n > maxSpeakers {
		n = maxSpeakers
	}
	return n
}

// Diarize slices the recording into round-robin speaker turns.
func (m *Mock) Diarize(ctx context.Context, path string, maxSpeakers int) ([]Segment, error) {
	samples, rate, err := audio.ReadWAV(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "diarize: load audio", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := float64(len(samples)) / float64(rate)
	n := m.speakers(maxSpeakers)
	turn := m.turnSec()

	var segments []Segment
	for i := 0; ; i++ {
		start := float64(i) * turn
		if start >= total {
			break
		}
		end := start + turn
		if end > total {
			end = total
		}
		label := i % n
		segments = append(segments, Segment{
			StartSec:   start,
			EndSec:     end,
			Speaker:    speakerLabel(label),
			Confidence: 0.9,
			Embedding:  m.speakerEmbedding(label),
		})
		if end >= total {
			break
		}
	}
	return segments, nil
}

// Embed returns the first synthetic speaker's voice for the recording.
func (m *Mock) Embed(ctx context.Context, path string) ([]float32, error) {
	if _, _, err := audio.ReadWAV(path); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "diarize: load audio", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.speakerEmbedding(0), nil
}

func (m *Mock) Close() error { return nil }

// speakerEmbedding is a stable unit vector per (Seed, label) pair.
func (m *Mock) speakerEmbedding(label int) []float32 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(label >> (8 * i))
	}
	h.Write(buf[:])
	rng := rand.New(rand.NewPCG(m.Seed, h.Sum64()))

	v := make([]float32, EmbeddingDim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return normalize32(v)
}

func speakerLabel(i int) string {
	return fmt.Sprintf("spk%d", i)
}
