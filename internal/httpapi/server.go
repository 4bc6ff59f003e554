// Package httpapi is the service's front door. It exposes the job lifecycle
// (start, status, cancel), the synchronous diarization and transcription
// endpoints, voice learning, and the health and metrics surfaces.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Skyjoy0512/voicenote/internal/apperr"
	"github.com/Skyjoy0512/voicenote/internal/blob"
	"github.com/Skyjoy0512/voicenote/internal/config"
	"github.com/Skyjoy0512/voicenote/internal/diarize"
	"github.com/Skyjoy0512/voicenote/internal/dispatch"
	"github.com/Skyjoy0512/voicenote/internal/docstore"
	"github.com/Skyjoy0512/voicenote/internal/fingerprint"
	"github.com/Skyjoy0512/voicenote/internal/health"
	"github.com/Skyjoy0512/voicenote/internal/job"
	"github.com/Skyjoy0512/voicenote/internal/observe"
	"github.com/Skyjoy0512/voicenote/internal/speaker"
	"github.com/Skyjoy0512/voicenote/internal/voicelearn"
	"github.com/Skyjoy0512/voicenote/pkg/provider/speech"
)

// maxRequestBody bounds request payloads. Voice-learning uploads carry up to
// ten minutes of base64 PCM16 audio.
const maxRequestBody = 64 << 20

// Server holds the handler dependencies. All fields must be set before
// calling Routes.
type Server struct {
	Manager      *job.Manager
	Docs         docstore.Store
	Blob         blob.Fetcher
	Fingerprints fingerprint.Store
	Diarizer     diarize.Diarizer
	Dispatcher   *dispatch.Dispatcher
	Registry     *config.Registry
	Preprocessor job.Preprocessor
	Learner      Learner
	Health       *health.Handler

	// ScratchDir backs the synchronous endpoints' temp files.
	ScratchDir string

	Metrics *observe.Metrics
	Log     *slog.Logger
}

// Learner is the voice-enrollment entry point. Implemented by
// [voicelearn.Service].
type Learner interface {
	Learn(ctx context.Context, userID string, audioData []byte, sessionID string) (*voicelearn.Result, error)
}

// Routes builds the HTTP handler with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /process-audio", s.handleProcessAudio)
	mux.HandleFunc("POST /speaker-separation", s.handleSpeakerSeparation)
	mux.HandleFunc("POST /transcription", s.handleTranscription)
	mux.HandleFunc("POST /voice-learning", s.handleVoiceLearning)
	mux.HandleFunc("POST /cancel-processing", s.handleCancel)
	mux.HandleFunc("GET /processing-status/{user_id}/{audio_id}", s.handleStatus)

	if s.Health != nil {
		mux.HandleFunc("GET /health", s.Health.Healthz)
		s.Health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics())(mux)
}

func (s *Server) metrics() *observe.Metrics {
	if s.Metrics != nil {
		return s.Metrics
	}
	return observe.DefaultMetrics()
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// processAudioRequest is the job-start payload.
type processAudioRequest struct {
	UserID  string         `json:"user_id"`
	AudioID string         `json:"audio_id"`
	Config  map[string]any `json:"config"`
}

func (s *Server) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
	var req processAudioRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.AudioID == "" {
		s.fail(w, apperr.New(apperr.KindInvalidInput, "user_id and audio_id are required"))
		return
	}

	cfg, err := config.ParseJobConfig(req.Config)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.Manager.Start(r.Context(), req.UserID, req.AudioID, cfg); err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "processing_started",
		"user_id":  req.UserID,
		"audio_id": req.AudioID,
	})
}

func (s *Server) handleSpeakerSeparation(w http.ResponseWriter, r *http.Request) {
	var req processAudioRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.AudioID == "" {
		s.fail(w, apperr.New(apperr.KindInvalidInput, "user_id and audio_id are required"))
		return
	}
	cfg, err := config.ParseJobConfig(req.Config)
	if err != nil {
		s.fail(w, err)
		return
	}

	dir, err := os.MkdirTemp(s.ScratchDir, "separation-")
	if err != nil {
		s.fail(w, err)
		return
	}
	defer os.RemoveAll(dir)

	source := dir + "/source"
	if _, err := blob.FetchToFile(r.Context(), s.Blob, job.BlobKey(req.UserID, req.AudioID), source); err != nil {
		s.fail(w, err)
		return
	}
	path, _, err := s.Preprocessor.Precondition(r.Context(), source)
	if err != nil {
		s.fail(w, err)
		return
	}

	var fpEmbedding []float32
	if fp, err := s.Fingerprints.Get(r.Context(), req.UserID); err == nil && fp != nil {
		fpEmbedding = fp.Embedding
	}

	segments, err := s.Diarizer.Diarize(r.Context(), path, cfg.MaxSpeakers)
	if err != nil {
		s.fail(w, err)
		return
	}
	analysis := speaker.Unify(segments, fpEmbedding, speaker.Config{
		MaxSpeakers:    cfg.MaxSpeakers,
		MatchThreshold: cfg.UserMatchThreshold,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": map[string]any{
			"speakers":           analysis.Speakers,
			"userSpeakerMapping": analysis.Mapping,
			"speakersCount":      len(analysis.Speakers),
			"confidenceScores":   analysis.ConfidenceScores,
			"consistencyScore":   analysis.Consistency,
		},
	})
}

// transcriptionRequest is the synchronous transcription payload. AudioPath
// names a file already on the service's filesystem.
type transcriptionRequest struct {
	UserID    string        `json:"user_id"`
	AudioPath string        `json:"audio_path"`
	APIConfig speech.Config `json:"api_config"`
	Segments  []struct {
		StartSec float64 `json:"start_sec"`
		EndSec   float64 `json:"end_sec"`
	} `json:"segments,omitempty"`
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	var req transcriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AudioPath == "" || req.APIConfig.Provider == "" {
		s.fail(w, apperr.New(apperr.KindInvalidInput, "audio_path and api_config.provider are required"))
		return
	}

	entry := config.ProviderEntry{
		APIKey: req.APIConfig.APIKey,
		Model:  req.APIConfig.Model,
		Options: map[string]string{
			"language": req.APIConfig.Language,
		},
	}
	for k, v := range req.APIConfig.Settings {
		entry.Options[k] = v
	}
	provider, err := s.Registry.CreateSpeech(req.APIConfig.Provider, entry)
	if err != nil {
		s.fail(w, err)
		return
	}

	var results []*speech.Result
	if len(req.Segments) > 0 {
		spans := make([]dispatch.Span, len(req.Segments))
		for i, seg := range req.Segments {
			spans[i] = dispatch.Span{StartSec: seg.StartSec, EndSec: seg.EndSec}
		}
		results, err = s.Dispatcher.TranscribeSegments(r.Context(), req.AudioPath, spans, []speech.Provider{provider})
	} else {
		var res *speech.Result
		res, err = s.Dispatcher.TranscribeWhole(r.Context(), req.AudioPath, []speech.Provider{provider})
		results = []*speech.Result{res}
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"text":            res.Text,
			"confidence":      res.Confidence,
			"segments":        res.Segments,
			"language":        res.Language,
			"processing_time": res.ProcessingTime.Seconds(),
			"provider":        res.Provider,
			"model":           res.Model,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "results": out})
}

// voiceLearningRequest carries one enrollment sample.
type voiceLearningRequest struct {
	UserID          string `json:"user_id"`
	AudioDataBase64 string `json:"audio_data_base64"`
	SessionID       string `json:"session_id"`
}

func (s *Server) handleVoiceLearning(w http.ResponseWriter, r *http.Request) {
	var req voiceLearningRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.AudioDataBase64 == "" {
		s.fail(w, apperr.New(apperr.KindInvalidInput, "user_id and audio_data_base64 are required"))
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.AudioDataBase64)
	if err != nil {
		s.fail(w, apperr.Wrap(apperr.KindInvalidInput, "decode audio_data_base64", err))
		return
	}

	res, err := s.Learner.Learn(r.Context(), req.UserID, data, req.SessionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// cancelRequest identifies the job to stop.
type cancelRequest struct {
	UserID  string `json:"user_id"`
	AudioID string `json:"audio_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.Manager.Cancel(req.UserID, req.AudioID) {
		s.fail(w, apperr.Newf(apperr.KindNotFound, "no running job for %s/%s", req.UserID, req.AudioID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	audioID := r.PathValue("audio_id")

	var doc map[string]any
	if err := s.Docs.Get(r.Context(), job.StatusKey(userID, audioID), &doc); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// decode reads a JSON body into dst, answering 400 on malformed input.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer io.Copy(io.Discard, body)

	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		s.fail(w, apperr.Wrap(apperr.KindInvalidInput, "decode request body", err))
		return false
	}
	return true
}

// fail maps an error's kind to an HTTP status and writes the error body.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger().Error("request failed", "error", err)
	} else {
		s.logger().Warn("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v with the given status. Encoding failures fall back to a
// plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}
