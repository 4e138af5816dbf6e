package orchestrator

import (
	"unicode/utf8"

	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/internal/textsplit"
)

// ChapterSummary describes a chapter without its text.
type ChapterSummary struct {
	ID             int    `json:"id"`
	Title          string `json:"title"`
	CharacterCount int    `json:"character_count"`
	Language       string `json:"language"`
	Selected       bool   `json:"selected"`
	Parts          int    `json:"parts"`
}

// State is a point-in-time view of the session for presentation.
type State struct {
	Text           string                `json:"text"`
	CharacterCount int                   `json:"character_count"`
	ChunkLimit     int                   `json:"chunk_limit"`
	Chunks         []textsplit.Part      `json:"chunks"`
	BookName       string                `json:"book_name,omitempty"`
	Chapters       []ChapterSummary      `json:"chapters"`
	Voice          backend.VoiceSettings `json:"voice"`
	Job            jobs.Job              `json:"job"`
	ArtifactURL    string                `json:"artifact_url,omitempty"`
}

func (s *Session) State() State {
	job := s.tracker.Snapshot()

	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		Text:           s.text,
		CharacterCount: utf8.RuneCountInString(s.text),
		ChunkLimit:     s.limit,
		Chunks:         append([]textsplit.Part{}, s.chunks...),
		BookName:       s.bookName,
		Chapters:       make([]ChapterSummary, 0, len(s.chapters)),
		Voice:          s.voice,
		Job:            job,
	}
	for _, ch := range s.chapters {
		st.Chapters = append(st.Chapters, ChapterSummary{
			ID:             ch.ID,
			Title:          ch.Title,
			CharacterCount: ch.CharacterCount,
			Language:       ch.Language.String(),
			Selected:       s.selected[ch.ID],
			Parts:          s.partCountLocked(ch.ID),
		})
	}
	if job.Downloadable() {
		st.ArtifactURL = s.backend.ArtifactURL(job.Mode, job.ID)
	}
	return st
}
