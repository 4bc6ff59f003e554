package speech

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// ExtractSegment writes the [startSec, endSec) slice of src to a temporary
// mono 16 kHz PCM16 WAV file and returns its path. The caller must remove the
// file when done. ffmpegPath may be empty, in which case "ffmpeg" is resolved
// from PATH.
func ExtractSegment(ctx context.Context, ffmpegPath, src string, startSec, endSec float64) (string, error) {
	if endSec <= startSec {
		return "", fmt.Errorf("speech: invalid segment bounds [%g, %g)", startSec, endSec)
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	tmp, err := os.CreateTemp("", "voicenote-segment-*.wav")
	if err != nil {
		return "", fmt.Errorf("speech: create segment file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("speech: close segment file: %w", err)
	}

	args := []string{
		"-y",
		"-i", src,
		"-ss", formatSeconds(startSec),
		"-to", formatSeconds(endSec),
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_s16le",
		tmpPath,
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("speech: extract segment [%g, %g): %v\noutput: %s",
			startSec, endSec, err, string(output))
	}
	return tmpPath, nil
}

// formatSeconds renders a seconds offset in the fractional form ffmpeg accepts.
func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
