// Package openai provides a speech provider backed by the OpenAI Whisper API.
// It implements the speech.Provider interface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

const (
	defaultModel      = "whisper-1"
	defaultLanguage   = "ja"
	defaultConfidence = 0.9
)

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	language   string
	ffmpegPath string
	timeout    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the recognition language as a BCP-47 tag or bare ISO-639
// code (e.g. "ja-JP", "en"). Whisper takes only the primary subtag.
func WithLanguage(language string) Option {
	return func(c *config) {
		c.language = language
	}
}

// WithFFmpeg sets the ffmpeg binary used for segment extraction.
func WithFFmpeg(path string) Option {
	return func(c *config) {
		c.ffmpegPath = path
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements speech.Provider using the OpenAI Whisper API.
type Provider struct {
	client     oai.Client
	model      string
	language   string
	ffmpegPath string
}

// New constructs a new OpenAI Whisper speech Provider. An empty model selects
// whisper-1.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &config{language: defaultLanguage}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		language:   primarySubtag(cfg.language),
		ffmpegPath: cfg.ffmpegPath,
	}, nil
}

// Name implements speech.Provider.
func (p *Provider) Name() string { return "openai" }

// verboseResponse mirrors the verbose_json transcription payload. The SDK
// response type only surfaces the plain text, so segment and word timing are
// read from the raw body.
type verboseResponse struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
	Words []struct {
		Word        string  `json:"word"`
		Start       float64 `json:"start"`
		End         float64 `json:"end"`
		Probability float64 `json:"probability"`
	} `json:"words"`
}

// Transcribe implements speech.Provider. It requests verbose_json output with
// both segment and word timestamp granularities.
func (p *Provider) Transcribe(ctx context.Context, audioPath string) (*speech.Result, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("openai: open audio: %w", err)
	}
	defer f.Close()

	start := time.Now()
	resp, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:                   f,
		Model:                  oai.AudioModel(p.model),
		Language:               oai.String(p.language),
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word", "segment"},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: transcribe: %w", err)
	}
	elapsed := time.Since(start)

	result := &speech.Result{
		Text:           resp.Text,
		Confidence:     defaultConfidence,
		Language:       p.language,
		ProcessingTime: elapsed,
		Provider:       p.Name(),
		Model:          p.model,
	}

	var verbose verboseResponse
	if err := json.Unmarshal([]byte(resp.RawJSON()), &verbose); err == nil {
		if verbose.Language != "" {
			result.Language = verbose.Language
		}
		for _, seg := range verbose.Segments {
			result.Segments = append(result.Segments, speech.Segment{
				Start: seg.Start,
				End:   seg.End,
				Text:  seg.Text,
				// avg_logprob is <= 0; shifting by one gives a rough [0, 1] score.
				Confidence: speech.ClampConfidence(seg.AvgLogprob + 1.0),
			})
		}
		for _, w := range verbose.Words {
			conf := w.Probability
			if conf == 0 {
				conf = defaultConfidence
			}
			result.Words = append(result.Words, speech.Word{
				Word:       w.Word,
				Start:      w.Start,
				End:        w.End,
				Confidence: conf,
			})
		}
	}

	return result, nil
}

// TranscribeSegment implements speech.Provider by extracting the slice to a
// temporary file and transcribing it.
func (p *Provider) TranscribeSegment(ctx context.Context, audioPath string, startSec, endSec float64) (*speech.Result, error) {
	segPath, err := speech.ExtractSegment(ctx, p.ffmpegPath, audioPath, startSec, endSec)
	if err != nil {
		return nil, err
	}
	defer os.Remove(segPath)
	return p.Transcribe(ctx, segPath)
}

// primarySubtag reduces a BCP-47 tag to its primary language subtag
// ("ja-JP" becomes "ja").
func primarySubtag(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return tag[:i]
	}
	return tag
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)
