// Package job drives one audio transcription job through its phase graph:
// fetch, preprocess, speaker analysis, (chunked or direct) transcription,
// integration. The orchestrator is the single writer of the job's status
// document; a manager runs jobs in parallel with cooperative cancellation.
package job

import (
	"time"

	"github.com/Skyjoy0512/voicenote/internal/merge"
	"github.com/Skyjoy0512/voicenote/internal/speaker"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusPreprocessing   Status = "preprocessing"
	StatusSpeakerAnalysis Status = "speaker_analysis"

	// StatusChunkProcessing is the transcription state of the chunked path;
	// StatusTranscribing of the direct path. Clients see whichever path ran.
	StatusChunkProcessing Status = "chunk_processing"
	StatusTranscribing    Status = "transcribing"

	StatusIntegrating Status = "integrating"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether s ends the job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// StatusDoc is the persisted shape of audios/{user_id}/files/{audio_id}.
type StatusDoc struct {
	Status             Status `json:"status"`
	ProcessingProgress int    `json:"processingProgress"`
	StatusMessage      string `json:"statusMessage"`

	ProcessedChunks *int `json:"processedChunks,omitempty"`
	TotalChunks     *int `json:"totalChunks,omitempty"`

	Transcription   *Transcription      `json:"transcription,omitempty"`
	SpeakerAnalysis *SpeakerAnalysisDoc `json:"speaker_analysis,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Transcription is the final transcript payload stored on completion.
type Transcription struct {
	Segments          []merge.Segment              `json:"segments"`
	SpeakerStatistics map[string]merge.SpeakerStat `json:"speaker_statistics"`
	QualityStatistics merge.QualityStats           `json:"quality_statistics"`
	DurationSec       float64                      `json:"duration_sec"`
	Provider          string                       `json:"provider"`
	EstimatedCostUSD  float64                      `json:"estimated_cost_usd"`
}

// SpeakerAnalysisDoc is the persisted shape of globalSpeakers/{audio_id}.
type SpeakerAnalysisDoc struct {
	UserID             string             `json:"userId"`
	SpeakerClusters    []speaker.Global   `json:"speakerClusters"`
	UserSpeakerMapping map[string]string  `json:"userSpeakerMapping"`
	SpeakersCount      int                `json:"speakersCount"`
	ConfidenceScores   map[string]float64 `json:"confidenceScores"`
	ConsistencyScore   float64            `json:"consistencyScore"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// APIConfigDoc is the persisted shape of apiConfigs/{user_id}: per-user
// speech provider credentials consulted when the job config does not name a
// provider.
type APIConfigDoc struct {
	SpeechProvider string            `json:"speechProvider"`
	SpeechAPIKey   string            `json:"speechApiKey"`
	SpeechModel    string            `json:"speechModel"`
	Language       string            `json:"language"`
	SpeechSettings map[string]string `json:"speechSettings"`
}

// StatusKey is the document key for a job's status document.
func StatusKey(userID, audioID string) string {
	return "audios/" + userID + "/files/" + audioID
}

// SpeakersKey is the document key for a recording's speaker analysis.
func SpeakersKey(audioID string) string {
	return "globalSpeakers/" + audioID
}

// APIConfigKey is the document key for a user's provider credentials.
func APIConfigKey(userID string) string {
	return "apiConfigs/" + userID
}
