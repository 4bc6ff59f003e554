// Package chunk slices long recordings into overlapping windows so that
// provider requests stay bounded and speaker continuity is preserved across
// window edges. The downstream merger deduplicates the overlap regions.
package chunk

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
)

// Chunk describes one extracted window of the source recording.
type Chunk struct {
	// Index is the zero-based position of this chunk in the recording.
	Index int

	// OffsetSec is the chunk's start offset within the source, in seconds.
	OffsetSec float64

	// DurationSec is the chunk's length in seconds. Only the final chunk may
	// be shorter than the window.
	DurationSec float64

	// Path is the local file holding the extracted audio.
	Path string
}

// span is a planned chunk boundary before extraction.
type span struct {
	offset   float64
	duration float64
}

// plan computes chunk boundaries for a recording of totalSec seconds.
// Successive chunks start window-overlap seconds apart until the next start
// would fall past EOF; the final chunk is truncated at EOF. A trailing chunk
// that lies entirely within the previous chunk's overlap is still emitted, so
// window 4 / overlap 1 over 10 s yields starts 0, 3, 6, 9.
func plan(totalSec, windowSec, overlapSec float64) ([]span, error) {
	if windowSec <= 0 || overlapSec < 0 || overlapSec >= windowSec {
		return nil, apperr.Newf(apperr.KindInvalidInput,
			"chunk: window %gs must exceed overlap %gs", windowSec, overlapSec)
	}
	if totalSec <= 0 {
		return nil, apperr.Newf(apperr.KindInvalidInput, "chunk: non-positive duration %gs", totalSec)
	}

	step := windowSec - overlapSec
	var spans []span
	for i := 0; ; i++ {
		offset := float64(i) * step
		if offset >= totalSec {
			break
		}
		dur := windowSec
		if offset+dur > totalSec {
			dur = totalSec - offset
		}
		spans = append(spans, span{offset: offset, duration: dur})
	}
	return spans, nil
}

// Splitter extracts chunk files with ffmpeg. Safe for concurrent use.
type Splitter struct {
	// FFmpegPath is the ffmpeg binary. Empty resolves "ffmpeg" from PATH.
	FFmpegPath string
}

func (s *Splitter) ffmpeg() string {
	if s.FFmpegPath == "" {
		return "ffmpeg"
	}
	return s.FFmpegPath
}

// Split slices the recording at path (of totalSec seconds) into overlapping
// windows, writing each chunk as a WAV file into destDir. Chunk files are
// named chunk_000.wav, chunk_001.wav, and so on.
func (s *Splitter) Split(ctx context.Context, path string, totalSec, windowSec, overlapSec float64, destDir string) ([]Chunk, error) {
	spans, err := plan(totalSec, windowSec, overlapSec)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(spans))
	for i, sp := range spans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunkPath := filepath.Join(destDir, fmt.Sprintf("chunk_%03d.wav", i))
		if err := s.extract(ctx, path, chunkPath, sp.offset, sp.offset+sp.duration); err != nil {
			for _, c := range chunks {
				_ = os.Remove(c.Path)
			}
			return nil, err
		}
		chunks = append(chunks, Chunk{
			Index:       i,
			OffsetSec:   sp.offset,
			DurationSec: sp.duration,
			Path:        chunkPath,
		})
	}
	return chunks, nil
}

// extract writes the [startSec, endSec) slice of src to dst. The stream is
// copied without re-encoding; the source is already canonical PCM16 WAV.
func (s *Splitter) extract(ctx context.Context, src, dst string, startSec, endSec float64) error {
	args := []string{
		"-y",
		"-i", src,
		"-ss", strconv.FormatFloat(startSec, 'f', 3, 64),
		"-to", strconv.FormatFloat(endSec, 'f', 3, 64),
		"-c", "copy",
		dst,
	}
	cmd := exec.CommandContext(ctx, s.ffmpeg(), args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("chunk: extract %s [%g, %g): %v\noutput: %s",
			dst, startSec, endSec, err, string(output))
	}
	return nil
}
