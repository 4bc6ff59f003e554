// Package audio conditions uploaded recordings for the diarization and
// transcription pipeline.
//
// The heavy DSP lives in ffmpeg; this package shells out to it to produce
// mono 16 kHz PCM16 WAV files and to probe durations, and decodes the
// resulting WAV data for waveform analysis (quality scoring, noise
// estimation).
package audio

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SampleRate is the sample rate all preconditioned audio is resampled to.
const SampleRate = 16000

// processedSuffix marks a file already produced by Precondition.
const processedSuffix = "_processed.wav"

// Preprocessor converts arbitrary uploaded audio into the pipeline's
// canonical format. Safe for concurrent use.
type Preprocessor struct {
	// FFmpegPath is the ffmpeg binary. Empty resolves "ffmpeg" from PATH.
	FFmpegPath string
}

func (p *Preprocessor) ffmpeg() string {
	if p.FFmpegPath == "" {
		return "ffmpeg"
	}
	return p.FFmpegPath
}

// Precondition transcodes the file at path into mono 16 kHz PCM16 WAV and
// returns the output path and sample rate. The output path is derived from
// the input, so re-invoking with the same input overwrites the same output
// and yields identical results. Inputs that are already preconditioned are
// returned unchanged.
func (p *Preprocessor) Precondition(ctx context.Context, path string) (string, int, error) {
	if strings.HasSuffix(path, processedSuffix) {
		return path, SampleRate, nil
	}

	out := processedPath(path)
	args := []string{
		"-y",
		"-i", path,
		"-ac", "1",
		"-ar", strconv.Itoa(SampleRate),
		"-c:a", "pcm_s16le",
		out,
	}
	cmd := exec.CommandContext(ctx, p.ffmpeg(), args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", 0, fmt.Errorf("audio: precondition %s: %v\noutput: %s", path, err, string(output))
	}
	return out, SampleRate, nil
}

// Duration probes the length of the audio file at path. ffmpeg prints the
// duration on stderr when asked to decode to the null muxer; ffprobe may not
// be installed alongside it.
func (p *Preprocessor) Duration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-i", path,
		"-f", "null", "-",
	}
	cmd := exec.CommandContext(ctx, p.ffmpeg(), args...)
	output, _ := cmd.CombinedOutput()

	d, err := parseFFmpegDuration(string(output))
	if err != nil {
		return 0, fmt.Errorf("audio: probe duration of %s: %w", path, err)
	}
	return d, nil
}

// processedPath derives the canonical output path for an input file,
// replacing its extension with the processed suffix.
func processedPath(path string) string {
	if i := strings.LastIndexByte(path, '.'); i > strings.LastIndexByte(path, '/') {
		return path[:i] + processedSuffix
	}
	return path + processedSuffix
}

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+)\.(\d+)`)
	timeRe     = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)
)

// parseFFmpegDuration extracts the recording length from ffmpeg's stderr
// output. It prefers the "Duration:" header line and falls back to the last
// "time=" progress entry.
func parseFFmpegDuration(output string) (time.Duration, error) {
	if m := durationRe.FindStringSubmatch(output); m != nil {
		return timeComponents(m[1], m[2], m[3], m[4]), nil
	}
	all := timeRe.FindAllStringSubmatch(output, -1)
	if len(all) > 0 {
		m := all[len(all)-1]
		return timeComponents(m[1], m[2], m[3], m[4]), nil
	}
	return 0, fmt.Errorf("no duration in ffmpeg output")
}

// timeComponents converts HH:MM:SS.frac strings to a Duration. The
// fractional part may carry one to many digits.
func timeComponents(hours, minutes, seconds, frac string) time.Duration {
	h, _ := strconv.Atoi(hours)
	m, _ := strconv.Atoi(minutes)
	s, _ := strconv.Atoi(seconds)

	for len(frac) > 3 {
		frac = frac[:len(frac)-1]
	}
	for len(frac) < 3 {
		frac += "0"
	}
	ms, _ := strconv.Atoi(frac)

	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(ms)*time.Millisecond
}
