// Package google provides a speech provider backed by the Google Cloud
// Speech-to-Text REST API. It implements the speech.Provider interface.
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

const (
	defaultEndpoint = "https://speech.googleapis.com/v1/speech:recognize"
	defaultLanguage = "ja-JP"
	defaultModel    = "latest_long"

	// Confidence reported when the response carries no alternatives.
	fallbackConfidence = 0.8
)

// Option is a functional option for configuring the Google Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 recognition language (e.g. "ja-JP").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithModel sets the recognition model (e.g. "latest_long", "latest_short").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the API endpoint, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithFFmpeg sets the ffmpeg binary used for segment extraction.
func WithFFmpeg(path string) Option {
	return func(p *Provider) {
		p.ffmpegPath = path
	}
}

// Provider implements speech.Provider backed by Google Speech-to-Text.
type Provider struct {
	apiKey     string
	language   string
	model      string
	endpoint   string
	ffmpegPath string
	httpClient *http.Client
}

// New creates a new Google Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("google: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		language:   defaultLanguage,
		model:      defaultModel,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements speech.Provider.
func (p *Provider) Name() string { return "google" }

// recognizeRequest is the synchronous recognition request body.
type recognizeRequest struct {
	Config recognitionConfig `json:"config"`
	Audio  recognitionAudio  `json:"audio"`
}

type recognitionConfig struct {
	Encoding                   string `json:"encoding"`
	SampleRateHertz            int    `json:"sampleRateHertz"`
	LanguageCode               string `json:"languageCode"`
	EnableWordTimeOffsets      bool   `json:"enableWordTimeOffsets"`
	EnableWordConfidence       bool   `json:"enableWordConfidence"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
	Model                      string `json:"model"`
}

type recognitionAudio struct {
	Content string `json:"content"`
}

// recognizeResponse is the synchronous recognition response body. Word
// offsets arrive as protobuf Duration strings such as "1.300s".
type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				StartTime  string  `json:"startTime"`
				EndTime    string  `json:"endTime"`
				Word       string  `json:"word"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"results"`
}

// Transcribe implements speech.Provider. Audio is inlined base64 in the
// request body, which bounds inputs to roughly one minute; longer audio is
// expected to arrive pre-sliced by the segment dispatcher.
func (p *Provider) Transcribe(ctx context.Context, audioPath string) (*speech.Result, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("google: read audio: %w", err)
	}

	reqBody := recognizeRequest{
		Config: recognitionConfig{
			Encoding:                   "LINEAR16",
			SampleRateHertz:            16000,
			LanguageCode:               p.language,
			EnableWordTimeOffsets:      true,
			EnableWordConfidence:       true,
			EnableAutomaticPunctuation: true,
			Model:                      p.model,
		},
		Audio: recognitionAudio{
			Content: base64.StdEncoding.EncodeToString(data),
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("google: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"?key="+p.apiKey, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("google: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("google: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google: status %d: %s", resp.StatusCode, body)
	}

	result, err := parseResponse(body, p.language, p.model)
	if err != nil {
		return nil, err
	}
	result.ProcessingTime = time.Since(start)
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

// parseResponse converts a recognize response body into a normalized Result.
// Each result alternative becomes one segment; Google reports timing only at
// the word level, so segment bounds stay zero.
func parseResponse(body []byte, language, model string) (*speech.Result, error) {
	var gr recognizeResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, fmt.Errorf("google: decode response: %w", err)
	}

	result := &speech.Result{
		Confidence: fallbackConfidence,
		Language:   language,
		Provider:   "google",
		Model:      model,
	}

	var textParts []string
	for i, res := range gr.Results {
		if len(res.Alternatives) == 0 {
			continue
		}
		alt := res.Alternatives[0]
		textParts = append(textParts, alt.Transcript)
		if i == 0 {
			result.Confidence = alt.Confidence
		}
		result.Segments = append(result.Segments, speech.Segment{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
		})
		for _, w := range alt.Words {
			result.Words = append(result.Words, speech.Word{
				Word:       w.Word,
				Start:      parseProtoDuration(w.StartTime),
				End:        parseProtoDuration(w.EndTime),
				Confidence: w.Confidence,
			})
		}
	}
	result.Text = strings.Join(textParts, " ")
	return result, nil
}

// parseProtoDuration parses a protobuf JSON Duration ("3.500s") into seconds.
// Malformed values yield zero.
func parseProtoDuration(s string) float64 {
	s = strings.TrimSuffix(s, "s")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)
