// Package azure provides a speech provider backed by the Azure Speech
// short-audio REST API. It implements the speech.Provider interface.
package azure

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
	defaultRegion   = "japaneast"
	defaultLanguage = "ja-JP"
	modelName       = "azure-speech"

	// Azure reports a recognition-level confidence per NBest entry; when the
	// response omits it this historical average is used instead.
	fallbackConfidence = 0.85
)

// Option is a functional option for configuring the Azure Provider.
type Option func(*Provider)

// WithRegion sets the Azure region (e.g. "japaneast", "westus").
func WithRegion(region string) Option {
	return func(p *Provider) {
		p.region = region
	}
}

// WithLanguage sets the BCP-47 recognition language (e.g. "ja-JP").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the full API endpoint, mainly for tests. When set,
// the region is ignored.
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

// Provider implements speech.Provider backed by Azure Speech Services.
type Provider struct {
	apiKey     string
	region     string
	language   string
	endpoint   string
	ffmpegPath string
	httpClient *http.Client
}

// New creates a new Azure Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("azure: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		region:     defaultRegion,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements speech.Provider.
func (p *Provider) Name() string { return "azure" }

// buildURL constructs the short-audio recognition endpoint URL.
func (p *Provider) buildURL() (string, error) {
	base := p.endpoint
	if base == "" {
		base = fmt.Sprintf(
			"https://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1",
			p.region)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("language", p.language)
	q.Set("format", "detailed")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// azureResponse is the detailed-format recognition result. Offset and
// Duration are expressed in 100-nanosecond ticks.
type azureResponse struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
	Offset            int64  `json:"Offset"`
	Duration          int64  `json:"Duration"`
	NBest             []struct {
		Confidence float64 `json:"Confidence"`
		Display    string  `json:"Display"`
	} `json:"NBest"`
}

// Transcribe implements speech.Provider. Azure's short-audio API returns a
// single utterance-level result, so the Result carries one segment spanning
// the recognized offset and duration.
func (p *Provider) Transcribe(ctx context.Context, audioPath string) (*speech.Result, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("azure: read audio: %w", err)
	}

	reqURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("azure: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("azure: build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)
	req.Header.Set("Content-Type", "audio/wav; codecs=audio/pcm; samplerate=16000")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("azure: status %d: %s", resp.StatusCode, body)
	}

	result, err := parseResponse(body, p.language)
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

// parseResponse converts a detailed-format body into a normalized Result.
func parseResponse(body []byte, language string) (*speech.Result, error) {
	var ar azureResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}
	if ar.RecognitionStatus != "Success" {
		return nil, fmt.Errorf("azure: recognition status %q", ar.RecognitionStatus)
	}

	confidence := fallbackConfidence
	if len(ar.NBest) > 0 && ar.NBest[0].Confidence > 0 {
		confidence = ar.NBest[0].Confidence
	}

	return &speech.Result{
		Text:       ar.DisplayText,
		Confidence: confidence,
		Language:   language,
		Provider:   "azure",
		Model:      modelName,
		Segments: []speech.Segment{{
			// Summing the ticks before converting avoids accumulating
			// float error in the segment end.
			Start:      ticksToSeconds(ar.Offset),
			End:        ticksToSeconds(ar.Offset + ar.Duration),
			Text:       ar.DisplayText,
			Confidence: confidence,
		}},
	}, nil
}

// ticksToSeconds converts Azure's 100-nanosecond ticks to seconds.
func ticksToSeconds(ticks int64) float64 {
	return float64(ticks) / 1e7
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)
