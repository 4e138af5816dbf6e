package backend

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Mode is the kind of artifact a job produces.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
	ModeBook  Mode = "book"
)

type endpoints struct {
	submit    string
	status    string
	download  string
	extension string
}

var modeEndpoints = map[Mode]endpoints{
	ModeVideo: {submit: "/generate", status: "/status", download: "/download", extension: "mp4"},
	ModeAudio: {submit: "/generate-audio", status: "/audio-status", download: "/download-audio", extension: "wav"},
	ModeBook:  {submit: "/generate-book", status: "/audio-status", download: "/download-book"},
}

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modeEndpoints[m]; !ok {
		return "", fmt.Errorf("unknown mode %q (want video, audio or book)", s)
	}
	return m, nil
}

func (m Mode) Valid() bool {
	_, ok := modeEndpoints[m]
	return ok
}

// DisplayName is the capitalised mode, e.g. "Video".
func (m Mode) DisplayName() string {
	return cases.Title(language.English).String(string(m))
}

// Extension is the artifact file extension. Book artifacts use the voice format.
func (m Mode) Extension(voice VoiceSettings) string {
	if m == ModeBook {
		return voice.Format
	}
	return modeEndpoints[m].extension
}

// Status is the backend-reported job status.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusUnknown    Status = "unknown"
)

func parseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusQueued:
		return StatusQueued
	case StatusProcessing:
		return StatusProcessing
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// StatusReport is one decoded status poll response.
type StatusReport struct {
	Status   Status
	Progress int
	Message  string
	// RawStatus keeps the backend's string when Status is unknown.
	RawStatus string
}

// VoiceSettings configure book narration.
type VoiceSettings struct {
	Type   string  `json:"type" toml:"type"`
	Speed  float64 `json:"speed" toml:"speed"`
	Format string  `json:"format" toml:"format"`
}

func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{Type: "neutral", Speed: 1.0, Format: "mp3"}
}

func (v VoiceSettings) Validate() error {
	if strings.TrimSpace(v.Type) == "" {
		return fmt.Errorf("voice type is required")
	}
	if v.Speed <= 0 {
		return fmt.Errorf("voice speed must be positive")
	}
	switch v.Format {
	case "mp3", "wav":
	default:
		return fmt.Errorf("unsupported voice format %q (want mp3 or wav)", v.Format)
	}
	return nil
}

// BookRequest is the multipart body of a book submission.
type BookRequest struct {
	FileName string
	Data     []byte
	Chapters []int
	Voice    VoiceSettings
}

// Payload is what a submission sends: Text for video/audio, Book for book mode.
type Payload struct {
	Text string
	Book *BookRequest
}

// Extension is the file extension of the artifact a mode produces from p.
func (p Payload) Extension(mode Mode) string {
	voice := DefaultVoiceSettings()
	if p.Book != nil {
		voice = p.Book.Voice
	}
	return mode.Extension(voice)
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}
