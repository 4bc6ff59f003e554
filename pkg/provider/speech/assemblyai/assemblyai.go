// Package assemblyai provides a speech provider backed by the AssemblyAI
// REST API. It implements the speech.Provider interface.
//
// AssemblyAI is asynchronous: the audio is first uploaded, then a transcript
// job is created and polled until it reaches a terminal status.
package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

const (
	defaultBaseURL      = "https://api.assemblyai.com/v2"
	defaultLanguage     = "ja"
	defaultPollInterval = 3 * time.Second
	modelName           = "best"
)

// defaultWordBoost biases recognition toward common meeting vocabulary.
var defaultWordBoost = []string{"会議", "議論", "計画", "プロジェクト"}

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithLanguage sets the language code for recognition (e.g. "ja", "en").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithBaseURL overrides the API base URL, mainly for tests.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithPollInterval sets the transcript polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.pollInterval = d
	}
}

// WithWordBoost replaces the default vocabulary boost list.
func WithWordBoost(words []string) Option {
	return func(p *Provider) {
		p.wordBoost = words
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

// Provider implements speech.Provider backed by AssemblyAI.
type Provider struct {
	apiKey       string
	language     string
	baseURL      string
	wordBoost    []string
	pollInterval time.Duration
	ffmpegPath   string
	httpClient   *http.Client
}

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		language:     defaultLanguage,
		baseURL:      defaultBaseURL,
		wordBoost:    defaultWordBoost,
		pollInterval: defaultPollInterval,
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements speech.Provider.
func (p *Provider) Name() string { return "assemblyai" }

// transcriptRequest is the transcript creation body.
type transcriptRequest struct {
	AudioURL      string   `json:"audio_url"`
	LanguageCode  string   `json:"language_code"`
	SpeakerLabels bool     `json:"speaker_labels"`
	WordBoost     []string `json:"word_boost,omitempty"`
	BoostParam    string   `json:"boost_param,omitempty"`
}

// transcriptResponse is the transcript resource returned on creation and
// while polling. Word and utterance offsets are in milliseconds.
type transcriptResponse struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
	Words      []struct {
		Text       string  `json:"text"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
	Utterances []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"utterances"`
}

// Transcribe implements speech.Provider.
func (p *Provider) Transcribe(ctx context.Context, audioPath string) (*speech.Result, error) {
	start := time.Now()

	uploadURL, err := p.upload(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	id, err := p.createTranscript(ctx, uploadURL)
	if err != nil {
		return nil, err
	}

	tr, err := p.poll(ctx, id)
	if err != nil {
		return nil, err
	}

	result := toResult(tr, p.language)
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

// upload posts the raw audio bytes and returns the temporary audio URL.
func (p *Provider) upload(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("assemblyai: open audio: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/upload", f)
	if err != nil {
		return "", fmt.Errorf("assemblyai: build upload request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("assemblyai: upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("assemblyai: read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("assemblyai: upload status %d: %s", resp.StatusCode, body)
	}

	var ur struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.Unmarshal(body, &ur); err != nil {
		return "", fmt.Errorf("assemblyai: decode upload response: %w", err)
	}
	if ur.UploadURL == "" {
		return "", errors.New("assemblyai: upload response missing upload_url")
	}
	return ur.UploadURL, nil
}

// createTranscript starts a transcription job for the uploaded audio.
func (p *Provider) createTranscript(ctx context.Context, audioURL string) (string, error) {
	payload, err := json.Marshal(transcriptRequest{
		AudioURL:      audioURL,
		LanguageCode:  p.language,
		SpeakerLabels: true,
		WordBoost:     p.wordBoost,
		BoostParam:    "high",
	})
	if err != nil {
		return "", fmt.Errorf("assemblyai: encode transcript request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/transcript", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("assemblyai: build transcript request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("assemblyai: create transcript: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("assemblyai: read transcript response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("assemblyai: transcript status %d: %s", resp.StatusCode, body)
	}

	var tr transcriptResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("assemblyai: decode transcript response: %w", err)
	}
	if tr.ID == "" {
		return "", errors.New("assemblyai: transcript response missing id")
	}
	return tr.ID, nil
}

// poll fetches the transcript until it reaches a terminal status.
func (p *Provider) poll(ctx context.Context, id string) (*transcriptResponse, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		tr, err := p.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		switch tr.Status {
		case "completed":
			return tr, nil
		case "error":
			return nil, fmt.Errorf("assemblyai: transcription failed: %s", tr.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetch retrieves the current transcript resource.
func (p *Provider) fetch(ctx context.Context, id string) (*transcriptResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/transcript/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build poll request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: poll: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: read poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("assemblyai: poll status %d: %s", resp.StatusCode, body)
	}

	var tr transcriptResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("assemblyai: decode poll response: %w", err)
	}
	return &tr, nil
}

// toResult converts a completed transcript into a normalized Result,
// translating millisecond offsets to seconds.
func toResult(tr *transcriptResponse, language string) *speech.Result {
	result := &speech.Result{
		Text:       tr.Text,
		Confidence: tr.Confidence,
		Language:   language,
		Provider:   "assemblyai",
		Model:      modelName,
	}
	for _, u := range tr.Utterances {
		result.Segments = append(result.Segments, speech.Segment{
			Start:      u.Start / 1000.0,
			End:        u.End / 1000.0,
			Text:       u.Text,
			Confidence: u.Confidence,
		})
	}
	for _, w := range tr.Words {
		result.Words = append(result.Words, speech.Word{
			Word:       w.Text,
			Start:      w.Start / 1000.0,
			End:        w.End / 1000.0,
			Confidence: w.Confidence,
		})
	}
	return result
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)
