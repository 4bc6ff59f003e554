package dispatch

// Pick chooses a speech provider from recording characteristics, used when
// the job config names "auto". Long noisy recordings go to assemblyai for
// its robustness, long clean ones to deepgram for cost, noisy short ones to
// openai, multi-party meetings to assemblyai.
func Pick(durationSec, noiseLevel float64, speakerCount int) string {
	switch {
	case durationSec > 3600 && noiseLevel > 0.7:
		return "assemblyai"
	case durationSec > 3600:
		return "deepgram"
	case speakerCount > 3:
		return "assemblyai"
	case noiseLevel > 0.6:
		return "openai"
	default:
		return "deepgram"
	}
}

// costPerMinuteUSD is the published batch pricing per provider.
var costPerMinuteUSD = map[string]float64{
	"openai":     0.006,
	"azure":      0.020,
	"google":     0.024,
	"assemblyai": 0.0065,
	"deepgram":   0.0043,
}

// CostEstimate returns the expected transcription cost in USD for a
// recording of durationSec seconds. Unknown providers estimate at one cent
// per minute.
func CostEstimate(provider string, durationSec float64) float64 {
	rate, ok := costPerMinuteUSD[provider]
	if !ok {
		rate = 0.01
	}
	return durationSec / 60 * rate
}
