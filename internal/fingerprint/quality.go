package fingerprint

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/Skyjoy0512/voicenote/internal/audio"
)

// MinQuality is the acceptance floor for voice-learning samples. Samples
// scoring below it must not touch the stored fingerprint.
const MinQuality = 0.6

const (
	frameWindowSec = 0.025
	frameHopSec    = 0.010
	snrEpsilon     = 1e-10
)

// QualityScore rates a voice sample in [0, 1] from its waveform: 60% a
// signal-to-noise estimate, 40% the fraction of frames carrying voice
// energy. The noise floor is the 10th percentile of absolute amplitude, so
// silence-heavy or hiss-heavy recordings score low on both components.
func QualityScore(samples []float64, sampleRate int) float64 {
	if len(samples) == 0 {
		return 0
	}
	snr := snrDB(samples)
	snrComponent := clip01((snr + 10) / 30)
	return clip01(0.6*snrComponent + 0.4*voiceRatio(samples, sampleRate))
}

// NoiseLevel rates how noisy a sample is in [0, 1]; the complement of the
// SNR component of [QualityScore]. Feeds provider auto-selection.
func NoiseLevel(samples []float64) float64 {
	if len(samples) == 0 {
		return 1
	}
	return 1 - clip01((snrDB(samples)+10)/30)
}

// snrDB estimates signal-to-noise as the ratio of mean signal power to the
// squared 10th-percentile amplitude.
func snrDB(samples []float64) float64 {
	var power float64
	abs := make([]float64, len(samples))
	for i, s := range samples {
		power += s * s
		abs[i] = math.Abs(s)
	}
	power /= float64(len(samples))

	slices.Sort(abs)
	floor := stat.Quantile(0.10, stat.Empirical, abs, nil)
	return 10 * math.Log10(power/(floor*floor+snrEpsilon))
}

// voiceRatio is the fraction of short-time RMS frames above the 30th
// percentile of frame energy (25 ms windows, 10 ms hop).
func voiceRatio(samples []float64, sampleRate int) float64 {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	window := int(frameWindowSec * float64(sampleRate))
	hop := int(frameHopSec * float64(sampleRate))
	if window < 1 || len(samples) < window {
		return 0
	}

	var rms []float64
	for off := 0; off+window <= len(samples); off += hop {
		var sum float64
		for _, s := range samples[off : off+window] {
			sum += s * s
		}
		rms = append(rms, math.Sqrt(sum/float64(window)))
	}
	if len(rms) == 0 {
		return 0
	}

	sorted := slices.Clone(rms)
	slices.Sort(sorted)
	threshold := stat.Quantile(0.30, stat.Empirical, sorted, nil)

	voiced := 0
	for _, r := range rms {
		if r > threshold {
			voiced++
		}
	}
	return float64(voiced) / float64(len(rms))
}

func clip01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
