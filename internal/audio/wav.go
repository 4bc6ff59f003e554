package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// ReadWAV decodes a PCM16 WAV file into normalized samples in [-1, 1] and
// returns the sample rate. Only uncompressed 16-bit PCM is supported, which
// is what [Preprocessor.Precondition] produces.
func ReadWAV(path string) ([]float64, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: read wav: %w", err)
	}
	return DecodeWAV(data)
}

// DecodeWAV decodes PCM16 WAV bytes into normalized samples and sample rate.
func DecodeWAV(data []byte) ([]float64, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: not a RIFF/WAVE file")
	}

	var (
		sampleRate    int
		bitsPerSample int
		channels      int
		pcm           []byte
	)

	// Walk the chunk list; fmt must precede data.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, 0, fmt.Errorf("audio: unsupported wav format %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if sampleRate == 0 || pcm == nil {
		return nil, 0, fmt.Errorf("audio: missing fmt or data chunk")
	}
	if bitsPerSample != 16 {
		return nil, 0, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bitsPerSample)
	}
	if channels < 1 {
		return nil, 0, fmt.Errorf("audio: invalid channel count %d", channels)
	}

	frames := len(pcm) / 2 / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		// Downmix by averaging channels.
		var sum float64
		for c := 0; c < channels; c++ {
			v := int16(binary.LittleEndian.Uint16(pcm[(i*channels+c)*2:]))
			sum += float64(v) / 32768.0
		}
		samples[i] = sum / float64(channels)
	}
	return samples, sampleRate, nil
}

// EncodeWAV renders normalized samples as a mono PCM16 WAV byte stream.
// Used by tests and the mock diarization path to synthesize fixtures.
func EncodeWAV(samples []float64, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		v := int16(math.Round(clamp(s, -1, 1) * 32767))
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(v))
	}
	return buf
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
