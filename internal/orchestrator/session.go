package orchestrator

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/epub"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/internal/story"
	"github.com/MimeLyc/storyreel/internal/textsplit"
	"github.com/MimeLyc/storyreel/pkg/file"
	"github.com/MimeLyc/storyreel/pkg/log"
)

const (
	MinParts = 1
	MaxParts = 10
)

// Backend is what the session needs beyond the tracker's submit and poll.
type Backend interface {
	Status(ctx context.Context, mode backend.Mode, jobID string) (backend.StatusReport, error)
	Download(ctx context.Context, mode backend.Mode, jobID string, w io.Writer) (int64, error)
	ArtifactURL(mode backend.Mode, jobID string) string
}

type Drafter interface {
	Draft(ctx context.Context, description string, length story.Length) (string, error)
}

type Option func(*Session)

func WithDrafter(d Drafter) Option {
	return func(s *Session) { s.drafter = d }
}

func WithChunkLimit(limit int) Option {
	return func(s *Session) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

func WithVoice(v backend.VoiceSettings) Option {
	return func(s *Session) { s.voice = v }
}

// Session is one user's working state: the input text, an optional loaded
// book with chapter selection, and the single job tracker all generation
// goes through.
type Session struct {
	backend Backend
	tracker *jobs.Tracker
	drafter Drafter

	mu         sync.RWMutex
	text       string
	limit      int
	chunks     []textsplit.Part
	chapters   []epub.Chapter
	bookFile   string
	bookName   string
	bookData   []byte
	selected   map[int]bool
	partCounts map[int]int
	voice      backend.VoiceSettings
}

func NewSession(b Backend, tracker *jobs.Tracker, opts ...Option) *Session {
	s := &Session{
		backend:    b,
		tracker:    tracker,
		limit:      textsplit.DefaultLimit,
		selected:   make(map[int]bool),
		partCounts: make(map[int]int),
		voice:      backend.DefaultVoiceSettings(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Tracker() *jobs.Tracker {
	return s.tracker
}

// SetText replaces the input text. Chunks are only produced when the text
// exceeds the chunk limit; shorter text is submitted whole.
func (s *Session) SetText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	s.rechunkLocked()
}

func (s *Session) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text
}

func (s *Session) SetChunkLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	s.rechunkLocked()
}

func (s *Session) ChunkLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limit
}

func (s *Session) rechunkLocked() {
	if utf8.RuneCountInString(s.text) > s.limit {
		s.chunks = textsplit.SplitParts(s.text, s.limit)
		return
	}
	s.chunks = nil
}

func (s *Session) Chunks() []textsplit.Part {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]textsplit.Part(nil), s.chunks...)
}

func (s *Session) SetVoice(v backend.VoiceSettings) error {
	v.Format = strings.ToLower(strings.TrimSpace(v.Format))
	if err := v.Validate(); err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, "invalid voice settings")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = v
	return nil
}

func (s *Session) Voice() backend.VoiceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voice
}

// LoadBook extracts chapters from an uploaded EPUB. On a parse failure the
// previously loaded chapters stay in place.
func (s *Session) LoadBook(name string, data []byte) error {
	if !epub.IsEPUBName(name) {
		return apperr.New(apperr.ErrValidation, "please upload a valid EPUB file").WithContext("file", name)
	}
	chapters, err := epub.Extract(data)
	if err != nil {
		return err
	}

	base := filepath.Base(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chapters = chapters
	s.bookFile = base
	s.bookName = strings.TrimSuffix(base, filepath.Ext(base))
	s.bookData = append([]byte(nil), data...)
	s.selected = make(map[int]bool)
	s.partCounts = make(map[int]int)
	log.Info("Loaded book %q with %d chapters", s.bookName, len(chapters))
	return nil
}

func (s *Session) BookName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bookName
}

func (s *Session) Chapters() []epub.Chapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]epub.Chapter(nil), s.chapters...)
}

func (s *Session) chapterLocked(id int) (epub.Chapter, bool) {
	for _, ch := range s.chapters {
		if ch.ID == id {
			return ch, true
		}
	}
	return epub.Chapter{}, false
}

func unknownChapter(id int) error {
	return apperr.Newf(apperr.ErrValidation, "unknown chapter %d", id)
}

// ToggleChapter flips the selection of a chapter and reports the new state.
func (s *Session) ToggleChapter(id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chapterLocked(id); !ok {
		return false, unknownChapter(id)
	}
	if s.selected[id] {
		delete(s.selected, id)
		return false, nil
	}
	s.selected[id] = true
	return true, nil
}

// SelectedChapters returns the selected chapter ids in chapter order.
func (s *Session) SelectedChapters() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedLocked()
}

func (s *Session) selectedLocked() []int {
	ids := make([]int, 0, len(s.selected))
	for _, ch := range s.chapters {
		if s.selected[ch.ID] {
			ids = append(ids, ch.ID)
		}
	}
	return ids
}

// SetPartCount sets how many parts a chapter is split into, clamped to
// [MinParts, MaxParts]. It returns the stored count.
func (s *Session) SetPartCount(id, n int) (int, error) {
	n = max(MinParts, min(n, MaxParts))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chapterLocked(id); !ok {
		return 0, unknownChapter(id)
	}
	s.partCounts[id] = n
	return n, nil
}

func (s *Session) PartCount(id int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partCountLocked(id)
}

func (s *Session) partCountLocked(id int) int {
	if n, ok := s.partCounts[id]; ok {
		return n
	}
	return MinParts
}

func (s *Session) ChapterParts(id int) ([]textsplit.Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.chapterLocked(id)
	if !ok {
		return nil, unknownChapter(id)
	}
	return textsplit.SplitIntoParts(ch.Text, s.partCountLocked(id)), nil
}

func validKind(kind backend.Mode) error {
	if kind != backend.ModeVideo && kind != backend.ModeAudio {
		return apperr.Newf(apperr.ErrValidation, "generation kind must be video or audio, got %q", kind)
	}
	return nil
}

// GenerateText submits the whole input text.
func (s *Session) GenerateText(ctx context.Context, kind backend.Mode) error {
	if err := validKind(kind); err != nil {
		return err
	}
	s.mu.RLock()
	text := strings.TrimSpace(s.text)
	s.mu.RUnlock()
	if text == "" {
		return apperr.New(apperr.ErrValidation, "please enter some text to generate from")
	}
	return s.submit(ctx, kind, backend.Payload{Text: text}, "Input text")
}

// GenerateChunk submits one chunk of the input text. index is 0-based.
func (s *Session) GenerateChunk(ctx context.Context, index int, kind backend.Mode) error {
	if err := validKind(kind); err != nil {
		return err
	}
	s.mu.RLock()
	chunks := s.chunks
	s.mu.RUnlock()
	if index < 0 || index >= len(chunks) {
		return apperr.Newf(apperr.ErrValidation, "unknown chunk %d (have %d)", index+1, len(chunks))
	}
	label := fmt.Sprintf("Part %d of %d", index+1, len(chunks))
	return s.submit(ctx, kind, backend.Payload{Text: chunks[index].Text}, label)
}

// GenerateChapter submits a whole chapter's text.
func (s *Session) GenerateChapter(ctx context.Context, id int, kind backend.Mode) error {
	if err := validKind(kind); err != nil {
		return err
	}
	s.mu.RLock()
	ch, ok := s.chapterLocked(id)
	s.mu.RUnlock()
	if !ok {
		return unknownChapter(id)
	}
	label := fmt.Sprintf("Chapter %s", ch.Title)
	return s.submit(ctx, kind, backend.Payload{Text: ch.Text}, label)
}

// GeneratePart submits one part of a chapter. partIndex is 0-based.
func (s *Session) GeneratePart(ctx context.Context, chapterID, partIndex int, kind backend.Mode) error {
	if err := validKind(kind); err != nil {
		return err
	}
	s.mu.RLock()
	ch, ok := s.chapterLocked(chapterID)
	count := s.partCountLocked(chapterID)
	s.mu.RUnlock()
	if !ok {
		return unknownChapter(chapterID)
	}
	parts := textsplit.SplitIntoParts(ch.Text, count)
	if partIndex < 0 || partIndex >= len(parts) {
		return apperr.Newf(apperr.ErrValidation, "unknown part %d of chapter %d", partIndex+1, chapterID)
	}
	if strings.TrimSpace(parts[partIndex].Text) == "" {
		return apperr.Newf(apperr.ErrValidation, "part %d of chapter %d has no text", partIndex+1, chapterID)
	}
	label := fmt.Sprintf("Chapter %s - Part %d of %d", ch.Title, partIndex+1, len(parts))
	return s.submit(ctx, kind, backend.Payload{Text: parts[partIndex].Text}, label)
}

// GenerateBook uploads the loaded book with the selected chapters for
// narration.
func (s *Session) GenerateBook(ctx context.Context) error {
	s.mu.RLock()
	if len(s.bookData) == 0 {
		s.mu.RUnlock()
		return apperr.New(apperr.ErrValidation, "please upload an EPUB file first")
	}
	selected := s.selectedLocked()
	req := &backend.BookRequest{
		FileName: s.bookFile,
		Data:     s.bookData,
		Chapters: selected,
		Voice:    s.voice,
	}
	name := s.bookName
	s.mu.RUnlock()

	if len(selected) == 0 {
		return apperr.New(apperr.ErrValidation, "please select at least one chapter")
	}
	if err := req.Voice.Validate(); err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, "invalid voice settings")
	}
	label := fmt.Sprintf("%s (%d chapters)", name, len(selected))
	return s.submit(ctx, backend.ModeBook, backend.Payload{Book: req}, label)
}

func (s *Session) submit(ctx context.Context, mode backend.Mode, payload backend.Payload, label string) error {
	return s.tracker.Submit(ctx, mode, payload, label)
}

func (s *Session) Job() jobs.Job {
	return s.tracker.Snapshot()
}

// Cancel stops tracking the current job.
func (s *Session) Cancel() {
	s.tracker.Cancel()
}

// ArtifactURL is the backend download URL of the completed job.
func (s *Session) ArtifactURL() (string, error) {
	job := s.tracker.Snapshot()
	if !job.Downloadable() {
		return "", notReady(job.Mode)
	}
	return s.backend.ArtifactURL(job.Mode, job.ID), nil
}

// ArtifactName is the suggested file name for the completed job's artifact.
func (s *Session) ArtifactName() (string, error) {
	job := s.tracker.Snapshot()
	if !job.Downloadable() {
		return "", notReady(job.Mode)
	}
	return file.ArtifactName(string(job.Mode), job.ID, job.Extension), nil
}

func notReady(mode backend.Mode) error {
	name := "Artifact"
	if mode.Valid() {
		name = mode.DisplayName()
	}
	return apperr.Newf(apperr.ErrValidation, "%s is not ready for download yet. Please wait for the generation to complete.", name)
}

// Download re-checks that the job is completed and streams its artifact to
// w. It returns the suggested file name and the byte count.
func (s *Session) Download(ctx context.Context, w io.Writer) (string, int64, error) {
	name, err := s.ArtifactName()
	if err != nil {
		return "", 0, err
	}
	job := s.tracker.Snapshot()

	report, err := s.backend.Status(ctx, job.Mode, job.ID)
	if err != nil {
		if backend.IsNotFound(err) {
			return "", 0, apperr.Wrap(err, apperr.ErrBackend, fmt.Sprintf("%s file not found. Please try generating again.", job.Mode.DisplayName()))
		}
		return "", 0, err
	}
	if report.Status != backend.StatusCompleted {
		return "", 0, notReady(job.Mode)
	}

	n, err := s.backend.Download(ctx, job.Mode, job.ID, w)
	if err != nil {
		if backend.IsNotFound(err) {
			return "", 0, apperr.Wrap(err, apperr.ErrBackend, fmt.Sprintf("%s file not found. Please try generating again.", job.Mode.DisplayName()))
		}
		return "", 0, apperr.Wrap(err, apperr.ErrTransport, "error downloading artifact")
	}
	log.Info("Downloaded %s (%d bytes)", name, n)
	return name, n, nil
}

// DraftStory replaces the input text with a story drafted from it.
func (s *Session) DraftStory(ctx context.Context, length story.Length) (string, error) {
	if s.drafter == nil {
		return "", apperr.New(apperr.ErrConfig, "story drafting is not configured; set LLM_API_KEY")
	}
	text, err := s.drafter.Draft(ctx, s.Text(), length)
	if err != nil {
		return "", err
	}
	s.SetText(text)
	return text, nil
}
