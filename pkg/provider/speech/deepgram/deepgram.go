// Package deepgram provides a speech provider backed by the Deepgram
// prerecorded REST API. It implements the speech.Provider interface.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-2"
	defaultLanguage = "ja"
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code for recognition (e.g., "ja", "en-US").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
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

// Provider implements speech.Provider backed by the Deepgram prerecorded API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	endpoint   string
	ffmpegPath string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements speech.Provider.
func (p *Provider) Name() string { return "deepgram" }

// buildURL constructs the prerecorded endpoint URL with recognition options.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	q.Set("diarize", "true")
	q.Set("utterances", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned for a prerecorded request.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
				Words      []struct {
					Word       string  `json:"word"`
					Start      float64 `json:"start"`
					End        float64 `json:"end"`
					Confidence float64 `json:"confidence"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"utterances"`
	} `json:"results"`
}

// Transcribe implements speech.Provider. The audio bytes are posted directly;
// Deepgram sniffs the container format.
func (p *Provider) Transcribe(ctx context.Context, audioPath string) (*speech.Result, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read audio: %w", err)
	}

	reqURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram: status %d: %s", resp.StatusCode, body)
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

// parseResponse converts a raw prerecorded API body into a normalized Result.
func parseResponse(body []byte, language, model string) (*speech.Result, error) {
	var dr deepgramResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return nil, fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(dr.Results.Channels) == 0 || len(dr.Results.Channels[0].Alternatives) == 0 {
		return nil, errors.New("deepgram: response contains no alternatives")
	}

	alt := dr.Results.Channels[0].Alternatives[0]
	result := &speech.Result{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Language:   language,
		Provider:   "deepgram",
		Model:      model,
	}
	for _, u := range dr.Results.Utterances {
		result.Segments = append(result.Segments, speech.Segment{
			Start:      u.Start,
			End:        u.End,
			Text:       u.Transcript,
			Confidence: u.Confidence,
		})
	}
	for _, w := range alt.Words {
		result.Words = append(result.Words, speech.Word{
			Word:       w.Word,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
		})
	}
	return result, nil
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)
