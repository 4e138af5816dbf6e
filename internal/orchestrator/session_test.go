package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/internal/story"
)

type stepScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (s *stepScheduler) After(d time.Duration, task func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return func() {}
}

func (s *stepScheduler) step(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	require.NotEmpty(t, s.tasks, "no scheduled poll")
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.mu.Unlock()
	task()
}

type fakeBackend struct {
	mu         sync.Mutex
	submitted  []string
	bookFields map[string]string
	statuses   []string
	polls      int
}

func (f *fakeBackend) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *fakeBackend) fields() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookFields
}

func (f *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.submitted = append(f.submitted, body.Text)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id": "job-2"}`))
	})
	mux.HandleFunc("POST /api/v1/generate-book", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f.mu.Lock()
		f.bookFields = map[string]string{
			"chapters":      r.FormValue("chapters"),
			"voiceSettings": r.FormValue("voiceSettings"),
		}
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"job_id": "book-1"}`))
	})
	status := func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		idx := min(f.polls, len(f.statuses)-1)
		f.polls++
		body := f.statuses[idx]
		f.mu.Unlock()
		_, _ = w.Write([]byte(body))
	}
	mux.HandleFunc("GET /api/v1/status/{id}", status)
	mux.HandleFunc("GET /api/v1/audio-status/{id}", status)
	mux.HandleFunc("GET /api/v1/download/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("MP4DATA"))
	})
	mux.HandleFunc("GET /api/v1/download-book/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("MP3DATA"))
	})
	return mux
}

func newTestSession(t *testing.T, statuses []string, opts ...Option) (*Session, *fakeBackend, *stepScheduler) {
	t.Helper()
	fb := &fakeBackend{statuses: statuses}
	server := httptest.NewServer(fb.handler(t))
	t.Cleanup(server.Close)

	client, err := backend.NewClient(server.URL + "/api/v1")
	require.NoError(t, err)
	sched := &stepScheduler{}
	tracker := jobs.NewTracker(client, jobs.WithScheduler(sched))
	return NewSession(client, tracker, opts...), fb, sched
}

var progression = []string{
	`{"status": "queued", "progress": 0}`,
	`{"status": "processing", "progress": 50}`,
	`{"status": "completed", "progress": 100}`,
}

// twelveThousandChars is 2400 words, 12,000 characters in total.
func twelveThousandChars() string {
	words := make([]string, 2400)
	words[0] = "abcde"
	for i := 1; i < len(words); i++ {
		words[i] = "abcd"
	}
	return strings.Join(words, " ")
}

func TestSession_ChunkedTextEndToEnd(t *testing.T) {
	session, fb, sched := newTestSession(t, progression, WithChunkLimit(5000))
	ctx := context.Background()

	text := twelveThousandChars()
	require.Len(t, text, 12000)
	session.SetText(text)

	chunks := session.Chunks()
	require.Len(t, chunks, 3)
	assert.Equal(t, text, chunks[0].Text+" "+chunks[1].Text+" "+chunks[2].Text)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.CharacterCount, 5000)
	}

	require.NoError(t, session.GenerateChunk(ctx, 1, backend.ModeVideo))
	require.Len(t, fb.texts(), 1)
	assert.Equal(t, chunks[1].Text, fb.texts()[0])

	job := session.Job()
	assert.Equal(t, "Part 2 of 3", job.Label)
	assert.Equal(t, jobs.StatePolling, job.State)

	var buf bytes.Buffer
	_, _, err := session.Download(ctx, &buf)
	require.Error(t, err)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation))
	_, err = session.ArtifactURL()
	require.Error(t, err)

	var seen []backend.Status
	unsubscribe := session.Tracker().Subscribe(func(j jobs.Job) { seen = append(seen, j.Status) })
	defer unsubscribe()
	for i := 0; i < 3; i++ {
		sched.step(t)
	}
	assert.Equal(t, []backend.Status{backend.StatusQueued, backend.StatusProcessing, backend.StatusCompleted}, seen)
	assert.Equal(t, jobs.StateCompleted, session.Job().State)

	url, err := session.ArtifactURL()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, "/api/v1/download/job-2"))

	name, n, err := session.Download(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, "generated_video_job-2.mp4", name)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "MP4DATA", buf.String())
}

func TestSession_ShortTextHasNoChunks(t *testing.T) {
	session, fb, _ := newTestSession(t, progression)

	session.SetText("a short story")
	assert.Empty(t, session.Chunks())
	require.NoError(t, session.GenerateText(context.Background(), backend.ModeVideo))
	assert.Equal(t, []string{"a short story"}, fb.texts())
	assert.Equal(t, "Input text", session.Job().Label)
}

func TestSession_SingleJobAtATime(t *testing.T) {
	session, _, _ := newTestSession(t, progression)
	ctx := context.Background()

	session.SetText("first")
	require.NoError(t, session.GenerateText(ctx, backend.ModeVideo))
	err := session.GenerateText(ctx, backend.ModeVideo)
	assert.ErrorIs(t, err, jobs.ErrJobInProgress)
}

func TestSession_GenerateValidation(t *testing.T) {
	session, _, _ := newTestSession(t, progression)
	ctx := context.Background()

	err := session.GenerateText(ctx, backend.ModeVideo)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation), "empty input")

	session.SetText("hello")
	err = session.GenerateText(ctx, backend.ModeBook)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation), "book is not a text kind")

	err = session.GenerateChunk(ctx, 0, backend.ModeAudio)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation), "no chunks for short text")

	err = session.GenerateBook(ctx)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation), "no book loaded")
	assert.Equal(t, jobs.StateIdle, session.Job().State)
}

type fixtureEntry struct{ name, content string }

func epubFixture(t *testing.T) []byte {
	t.Helper()
	entries := []fixtureEntry{
		{"mimetype", "application/epub+zip"},
		{"OEBPS/content.opf", `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <manifest>
    <item id="a" href="a.xhtml" media-type="application/xhtml+xml"/>
    <item id="b" href="b.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine><itemref idref="a"/><itemref idref="b"/></spine>
</package>`},
		{"OEBPS/a.xhtml", `<html><head><title>Arrival</title></head><body><p>one two three four five six seven</p></body></html>`},
		{"OEBPS/b.xhtml", `<html><head><title>Departure</title></head><body><p>eight nine ten</p></body></html>`},
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSession_LoadBookAndSelection(t *testing.T) {
	session, _, _ := newTestSession(t, progression)

	err := session.LoadBook("notes.txt", []byte("x"))
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation))

	require.NoError(t, session.LoadBook("My Book.epub", epubFixture(t)))
	assert.Equal(t, "My Book", session.BookName())
	require.Len(t, session.Chapters(), 2)

	selected, err := session.ToggleChapter(1)
	require.NoError(t, err)
	assert.True(t, selected)
	_, err = session.ToggleChapter(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, session.SelectedChapters())
	selected, err = session.ToggleChapter(0)
	require.NoError(t, err)
	assert.False(t, selected)
	assert.Equal(t, []int{1}, session.SelectedChapters())

	_, err = session.ToggleChapter(7)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation))

	n, err := session.SetPartCount(0, 25)
	require.NoError(t, err)
	assert.Equal(t, MaxParts, n)
	n, err = session.SetPartCount(0, 0)
	require.NoError(t, err)
	assert.Equal(t, MinParts, n)
	_, err = session.SetPartCount(9, 2)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation))

	_, err = session.SetPartCount(0, 3)
	require.NoError(t, err)
	parts, err := session.ChapterParts(0)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, "one two three", parts[0].Text)
	assert.Equal(t, "seven", parts[2].Text)

	// A broken upload keeps the loaded chapters and selection.
	err = session.LoadBook("broken.epub", []byte("not a zip"))
	assert.True(t, apperr.IsErrorType(err, apperr.ErrParse))
	assert.Len(t, session.Chapters(), 2)
	assert.Equal(t, "My Book", session.BookName())
	assert.Equal(t, []int{1}, session.SelectedChapters())

	// A new book resets selection and part counts.
	require.NoError(t, session.LoadBook("Other.epub", epubFixture(t)))
	assert.Empty(t, session.SelectedChapters())
	assert.Equal(t, MinParts, session.PartCount(0))
}

func TestSession_GeneratePartAndChapter(t *testing.T) {
	session, fb, _ := newTestSession(t, progression)
	ctx := context.Background()
	require.NoError(t, session.LoadBook("b.epub", epubFixture(t)))
	_, err := session.SetPartCount(0, 2)
	require.NoError(t, err)

	require.NoError(t, session.GeneratePart(ctx, 0, 1, backend.ModeVideo))
	assert.Equal(t, []string{"five six seven"}, fb.texts())
	assert.Equal(t, "Chapter Arrival - Part 2 of 2", session.Job().Label)

	session.Cancel()
	require.NoError(t, session.GenerateChapter(ctx, 1, backend.ModeVideo))
	assert.Equal(t, "eight nine ten", fb.texts()[1])
	assert.Equal(t, "Chapter Departure", session.Job().Label)

	session.Cancel()
	err = session.GeneratePart(ctx, 0, 5, backend.ModeVideo)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation))
}

func TestSession_GenerateBook(t *testing.T) {
	session, fb, sched := newTestSession(t, progression)
	ctx := context.Background()
	require.NoError(t, session.LoadBook("Tale.epub", epubFixture(t)))

	err := session.GenerateBook(ctx)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation), "no chapters selected")

	_, err = session.ToggleChapter(1)
	require.NoError(t, err)
	require.NoError(t, session.SetVoice(backend.VoiceSettings{Type: "warm", Speed: 1.5, Format: "MP3"}))
	require.NoError(t, session.GenerateBook(ctx))

	assert.Equal(t, "[1]", fb.fields()["chapters"])
	assert.JSONEq(t, `{"type":"warm","speed":1.5,"format":"mp3"}`, fb.fields()["voiceSettings"])
	job := session.Job()
	assert.Equal(t, backend.ModeBook, job.Mode)
	assert.Equal(t, "Tale (1 chapters)", job.Label)
	assert.Equal(t, "Book generation started", job.Message)

	for i := 0; i < 3; i++ {
		sched.step(t)
	}
	var buf bytes.Buffer
	name, _, err := session.Download(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, "generated_book_book-1.mp3", name)
	assert.Equal(t, "MP3DATA", buf.String())
}

func TestSession_ExtensionTravelsWithJob(t *testing.T) {
	session, _, sched := newTestSession(t, append(append([]string{}, progression...), progression...))
	ctx := context.Background()

	session.SetText("a short story")
	require.NoError(t, session.GenerateText(ctx, backend.ModeVideo))
	for i := 0; i < 3; i++ {
		sched.step(t)
	}
	name, err := session.ArtifactName()
	require.NoError(t, err)
	assert.Equal(t, "generated_video_job-2.mp4", name)

	require.NoError(t, session.LoadBook("Tale.epub", epubFixture(t)))
	_, err = session.ToggleChapter(0)
	require.NoError(t, err)
	require.NoError(t, session.SetVoice(backend.VoiceSettings{Type: "warm", Speed: 1, Format: "wav"}))

	var exts []string
	unsubscribe := session.Tracker().Subscribe(func(j jobs.Job) { exts = append(exts, j.Extension) })
	defer unsubscribe()
	require.NoError(t, session.GenerateBook(ctx))
	require.NoError(t, session.SetVoice(backend.VoiceSettings{Type: "warm", Speed: 1, Format: "mp3"}))
	for i := 0; i < 3; i++ {
		sched.step(t)
	}

	require.NotEmpty(t, exts)
	for _, ext := range exts {
		assert.Equal(t, "wav", ext)
	}
	name, err = session.ArtifactName()
	require.NoError(t, err)
	assert.Equal(t, "generated_book_book-1.wav", name)
}

func TestSession_SetVoiceValidation(t *testing.T) {
	session, _, _ := newTestSession(t, progression)
	err := session.SetVoice(backend.VoiceSettings{Type: "neutral", Speed: 1, Format: "ogg"})
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation))
	assert.Equal(t, backend.DefaultVoiceSettings(), session.Voice())
}

type fakeDrafter struct {
	description string
	length      story.Length
}

func (f *fakeDrafter) Draft(ctx context.Context, description string, length story.Length) (string, error) {
	f.description = description
	f.length = length
	return "A complete tale.", nil
}

func TestSession_DraftStoryReplacesText(t *testing.T) {
	drafter := &fakeDrafter{}
	session, _, _ := newTestSession(t, progression, WithDrafter(drafter))
	session.SetText("a lighthouse")

	text, err := session.DraftStory(context.Background(), story.Long)
	require.NoError(t, err)
	assert.Equal(t, "A complete tale.", text)
	assert.Equal(t, "a lighthouse", drafter.description)
	assert.Equal(t, story.Long, drafter.length)
	assert.Equal(t, "A complete tale.", session.Text())

	bare, _, _ := newTestSession(t, progression)
	_, err = bare.DraftStory(context.Background(), story.Short)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrConfig))
}

func TestSession_State(t *testing.T) {
	session, _, sched := newTestSession(t, progression, WithChunkLimit(10))
	require.NoError(t, session.LoadBook("b.epub", epubFixture(t)))
	_, err := session.ToggleChapter(0)
	require.NoError(t, err)
	session.SetText("twelve chars and more")

	st := session.State()
	assert.Equal(t, 10, st.ChunkLimit)
	assert.NotEmpty(t, st.Chunks)
	require.Len(t, st.Chapters, 2)
	assert.True(t, st.Chapters[0].Selected)
	assert.Equal(t, "Arrival", st.Chapters[0].Title)
	assert.Empty(t, st.ArtifactURL)

	require.NoError(t, session.GenerateChunk(context.Background(), 0, backend.ModeVideo))
	for i := 0; i < 3; i++ {
		sched.step(t)
	}
	assert.NotEmpty(t, session.State().ArtifactURL)
}
