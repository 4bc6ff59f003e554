package audio

import (
	"math"
	"testing"
	"time"
)

func TestParseFFmpegDuration(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    time.Duration
		wantErr bool
	}{
		{
			name:   "duration header",
			output: "Input #0, wav, from 'x.wav':\n  Duration: 00:10:23.45, bitrate: 256 kb/s",
			want:   10*time.Minute + 23*time.Second + 450*time.Millisecond,
		},
		{
			name:   "hours",
			output: "Duration: 01:30:00.00",
			want:   90 * time.Minute,
		},
		{
			name:   "time progress fallback",
			output: "size=N/A time=00:00:12.50 bitrate=N/A\nsize=N/A time=00:05:00.00 bitrate=N/A",
			want:   5 * time.Minute,
		},
		{
			name:    "no duration",
			output:  "Unknown input",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFFmpegDuration(tt.output)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFFmpegDuration: %v", err)
			}
			if got != tt.want {
				t.Errorf("duration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcessedPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/scratch/j1/audio.m4a", "/scratch/j1/audio_processed.wav"},
		{"/scratch/j1/audio.wav", "/scratch/j1/audio_processed.wav"},
		{"/scratch/j.dir/audio", "/scratch/j.dir/audio_processed.wav"},
	}
	for _, tt := range tests {
		if got := processedPath(tt.in); got != tt.want {
			t.Errorf("processedPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrecondition_AlreadyProcessedIsIdentity(t *testing.T) {
	p := &Preprocessor{}
	out, sr, err := p.Precondition(t.Context(), "/scratch/j1/audio_processed.wav")
	if err != nil {
		t.Fatalf("Precondition: %v", err)
	}
	if out != "/scratch/j1/audio_processed.wav" {
		t.Errorf("out = %q, want input unchanged", out)
	}
	if sr != SampleRate {
		t.Errorf("sample rate = %d, want %d", sr, SampleRate)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	// 100 ms of a 440 Hz tone at 16 kHz.
	n := SampleRate / 10
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(SampleRate))
	}

	decoded, sr, err := DecodeWAV(EncodeWAV(samples, SampleRate))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if sr != SampleRate {
		t.Errorf("sample rate = %d, want %d", sr, SampleRate)
	}
	if len(decoded) != n {
		t.Fatalf("decoded %d samples, want %d", len(decoded), n)
	}
	for i := range decoded {
		if math.Abs(decoded[i]-samples[i]) > 1.0/32768 {
			t.Fatalf("sample %d = %g, want %g within one quantization step", i, decoded[i], samples[i])
		}
	}
}

func TestDecodeWAV_RejectsNonPCM(t *testing.T) {
	data := EncodeWAV([]float64{0, 0.1}, SampleRate)
	data[20] = 3 // IEEE float format tag
	if _, _, err := DecodeWAV(data); err == nil {
		t.Error("expected error for non-PCM format")
	}
}

func TestDecodeWAV_RejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("not a wav file")); err == nil {
		t.Error("expected error for non-RIFF input")
	}
}
