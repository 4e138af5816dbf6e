package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/backend"
	"github.com/MimeLyc/storyreel/internal/config"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/internal/story"
	"github.com/MimeLyc/storyreel/internal/textsplit"
	"github.com/MimeLyc/storyreel/pkg/log"
)

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.State())
}

type setTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSetText(w http.ResponseWriter, r *http.Request) {
	var req setTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	s.session.SetText(req.Text)
	writeJSON(w, http.StatusOK, s.session.State())
}

type chunksResponse struct {
	ChunkLimit int              `json:"chunk_limit"`
	Chunks     []textsplit.Part `json:"chunks"`
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, chunksResponse{
		ChunkLimit: s.session.ChunkLimit(),
		Chunks:     s.session.Chunks(),
	})
}

func (s *Server) handleSetVoice(w http.ResponseWriter, r *http.Request) {
	var req backend.VoiceSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.session.SetVoice(req); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Voice())
}

func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if err := s.session.LoadBook(header.Filename, data); err != nil {
		writeAppError(w, err)
		return
	}
	st := s.session.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"book_name": st.BookName,
		"chapters":  st.Chapters,
	})
}

func (s *Server) handleListChapters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.State().Chapters)
}

func chapterID(r *http.Request) (int, error) {
	return strconv.Atoi(mux.Vars(r)["id"])
}

func (s *Server) handleToggleChapter(w http.ResponseWriter, r *http.Request) {
	id, err := chapterID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chapter id")
		return
	}
	selected, err := s.session.ToggleChapter(id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"selected": selected,
		"order":    s.session.SelectedChapters(),
	})
}

type setPartsRequest struct {
	Parts int `json:"parts"`
}

func (s *Server) handleSetParts(w http.ResponseWriter, r *http.Request) {
	id, err := chapterID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chapter id")
		return
	}
	var req setPartsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	n, err := s.session.SetPartCount(id, req.Parts)
	if err != nil {
		writeAppError(w, err)
		return
	}
	parts, err := s.session.ChapterParts(id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         id,
		"part_count": n,
		"parts":      parts,
	})
}

// generateRequest selects what to submit. Index and Part are 0-based.
type generateRequest struct {
	Source    string `json:"source"`
	Kind      string `json:"kind"`
	Index     int    `json:"index"`
	ChapterID int    `json:"chapter_id"`
	Part      int    `json:"part"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var kind backend.Mode
	if req.Source != "book" {
		if req.Kind == "" {
			req.Kind = string(backend.ModeVideo)
		}
		k, err := backend.ParseMode(req.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = k
	}

	ctx := r.Context()
	var err error
	switch req.Source {
	case "", "text":
		err = s.session.GenerateText(ctx, kind)
	case "chunk":
		err = s.session.GenerateChunk(ctx, req.Index, kind)
	case "chapter":
		err = s.session.GenerateChapter(ctx, req.ChapterID, kind)
	case "part":
		err = s.session.GeneratePart(ctx, req.ChapterID, req.Part, kind)
	case "book":
		err = s.session.GenerateBook(ctx)
	default:
		writeError(w, http.StatusBadRequest, "source must be one of text, chunk, chapter, part or book")
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.session.Job())
}

type jobResponse struct {
	Job         jobs.Job `json:"job"`
	ArtifactURL string   `json:"artifact_url,omitempty"`
}

func (s *Server) currentJob() jobResponse {
	resp := jobResponse{Job: s.session.Job()}
	if url, err := s.session.ArtifactURL(); err == nil {
		resp.ArtifactURL = url
	}
	return resp
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentJob())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.session.Cancel()
	writeJSON(w, http.StatusOK, s.currentJob())
}

// attachmentWriter sends the download headers with the first byte so a
// failure before any data still gets a JSON error response.
type attachmentWriter struct {
	w       http.ResponseWriter
	name    string
	started bool
}

func (a *attachmentWriter) Write(p []byte) (int, error) {
	if !a.started {
		a.started = true
		a.w.Header().Set("Content-Type", contentType(a.name))
		a.w.Header().Set("Content-Disposition", `attachment; filename="`+a.name+`"`)
		a.w.WriteHeader(http.StatusOK)
	}
	return a.w.Write(p)
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, err := s.session.ArtifactName()
	if err != nil {
		writeAppError(w, err)
		return
	}
	aw := &attachmentWriter{w: w, name: name}
	if _, _, err := s.session.Download(r.Context(), aw); err != nil {
		if aw.started {
			log.Error("Download of %s interrupted: %v", name, err)
			return
		}
		writeAppError(w, err)
		return
	}
	if !aw.started {
		_, _ = aw.Write(nil)
	}
}

type draftRequest struct {
	Text   string `json:"text"`
	Length string `json:"length"`
}

func (s *Server) handleDraftStory(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	length, err := story.ParseLength(req.Length)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if strings.TrimSpace(req.Text) != "" {
		s.session.SetText(req.Text)
	}
	if _, err := s.session.DraftStory(r.Context(), length); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.State())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "job history is not configured")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.history.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings.Redacted())
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.apply != nil {
			if err := s.apply(saved); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, saved.Redacted())
	}
}

// statusFor maps session errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobInProgress), errors.Is(err, jobs.ErrCancelled):
		return http.StatusConflict
	case backend.IsNotFound(err):
		return http.StatusNotFound
	case apperr.IsErrorType(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case apperr.IsErrorType(err, apperr.ErrParse):
		return http.StatusUnprocessableEntity
	case apperr.IsErrorType(err, apperr.ErrConfig):
		return http.StatusServiceUnavailable
	case apperr.IsErrorType(err, apperr.ErrTransport), apperr.IsErrorType(err, apperr.ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		apperr.Report(err)
	}
	writeJSON(w, status, map[string]any{
		"error":  apperr.Message(err),
		"advice": apperr.Advice(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
