// Package backend talks to the media-generation backend: submission, status
// polling and artifact download for video, audio and book jobs.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/pkg/log"
)

const (
	DefaultBaseURL = "http://localhost:5000/api/v1"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

// Client is safe for concurrent use. Submit and status requests are bounded
// by a whole-request timeout; artifact downloads only bound the wait for
// response headers and otherwise run until ctx is done.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	downloadClient *http.Client
	newID          func() string
}

type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for every request,
// downloads included.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
			c.downloadClient = client
		}
	}
}

// WithTimeout sets the timeout of submit and status requests and the
// response header timeout of downloads.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
			c.downloadClient = newDownloadClient(timeout)
		}
	}
}

// newDownloadClient has no Client.Timeout since that also covers reading the
// body, which for large artifacts can take far longer than any request.
func newDownloadClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrConfig, "invalid backend URL").WithContext("url", baseURL)
	}

	c := &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: defaultTimeout},
		downloadClient: newDownloadClient(defaultTimeout),
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit starts a job and returns the backend-assigned job id.
func (c *Client) Submit(ctx context.Context, mode Mode, payload Payload) (string, error) {
	ep, ok := modeEndpoints[mode]
	if !ok {
		return "", apperr.Newf(apperr.ErrValidation, "unknown mode %q", mode)
	}

	var (
		body        io.Reader
		contentType string
	)
	if mode == ModeBook {
		if payload.Book == nil {
			return "", apperr.New(apperr.ErrValidation, "book submission requires a book file")
		}
		buf, ct, err := encodeBook(payload.Book)
		if err != nil {
			return "", apperr.Wrap(err, apperr.ErrValidation, "cannot encode book submission")
		}
		body, contentType = buf, ct
	} else {
		raw, err := json.Marshal(map[string]string{"text": payload.Text})
		if err != nil {
			return "", fmt.Errorf("marshal submission: %w", err)
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	}

	resp, err := c.do(ctx, c.httpClient, http.MethodPost, ep.submit, body, contentType)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", apperr.Wrap(err, apperr.ErrTransport, "cannot decode submission response").
			WithContext("endpoint", ep.submit)
	}
	if strings.TrimSpace(decoded.JobID) == "" {
		return "", apperr.New(apperr.ErrBackend, "submission response has no job_id").
			WithContext("endpoint", ep.submit)
	}
	log.Debug("Backend accepted %s job %s", mode, decoded.JobID)
	return decoded.JobID, nil
}

// Status fetches the current state of a job. A job the backend does not know
// yields an error for which IsNotFound is true.
func (c *Client) Status(ctx context.Context, mode Mode, jobID string) (StatusReport, error) {
	ep, ok := modeEndpoints[mode]
	if !ok {
		return StatusReport{}, apperr.Newf(apperr.ErrValidation, "unknown mode %q", mode)
	}
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, ep.status+"/"+url.PathEscape(jobID), nil, "")
	if err != nil {
		return StatusReport{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusReport{}, apperr.Wrap(err, apperr.ErrTransport, "cannot read status response")
	}
	report, err := decodeStatus(raw)
	if err != nil {
		return StatusReport{}, apperr.Wrap(err, apperr.ErrTransport, "cannot decode status response").
			WithContext("job_id", jobID)
	}
	return report, nil
}

// Download streams the artifact of a completed job into w.
func (c *Client) Download(ctx context.Context, mode Mode, jobID string, w io.Writer) (int64, error) {
	ep, ok := modeEndpoints[mode]
	if !ok {
		return 0, apperr.Newf(apperr.ErrValidation, "unknown mode %q", mode)
	}
	resp, err := c.do(ctx, c.downloadClient, http.MethodGet, ep.download+"/"+url.PathEscape(jobID), nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, apperr.Wrap(err, apperr.ErrTransport, "artifact download interrupted").
			WithContext("job_id", jobID)
	}
	return n, nil
}

// ArtifactURL is the retrieval endpoint for a job's artifact.
func (c *Client) ArtifactURL(mode Mode, jobID string) string {
	ep, ok := modeEndpoints[mode]
	if !ok || jobID == "" {
		return ""
	}
	return c.baseURL + ep.download + "/" + url.PathEscape(jobID)
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	requestID := c.newID()
	req.Header.Set("X-Request-ID", requestID)

	resp, err := httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, apperr.Wrap(err, apperr.ErrTransport, "backend request timed out").
				WithContext("endpoint", endpoint)
		}
		return nil, apperr.Wrap(err, apperr.ErrTransport, "backend request failed").
			WithContext("endpoint", endpoint)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Message:    errorMessage(resp.Body),
		}
		log.Debug("Backend %s %s (request %s) failed: %v", method, endpoint, requestID, httpErr)
		return nil, apperr.Wrap(httpErr, apperr.ErrTransport, "backend returned an error status").
			WithContext("status", resp.StatusCode)
	}
	return resp, nil
}

// errorMessage extracts {"error": "..."} from a failure body, or its raw text.
func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

type rawStatus struct {
	Status   string          `json:"status"`
	Progress json.RawMessage `json:"progress"`
	Message  *string         `json:"message"`
}

func decodeStatus(raw []byte) (StatusReport, error) {
	var rs rawStatus
	if err := json.Unmarshal(raw, &rs); err != nil {
		return StatusReport{}, err
	}
	progress, err := decodeProgress(rs.Progress)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{
		Status:   parseStatus(rs.Status),
		Progress: progress,
	}
	if report.Status == StatusUnknown {
		report.RawStatus = rs.Status
	}
	if rs.Message != nil {
		report.Message = strings.TrimSpace(*rs.Message)
	}
	return report, nil
}

// decodeProgress accepts a JSON number or numeric string, defaulting to 0 and
// clamping to [0, 100].
func decodeProgress(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, fmt.Errorf("progress is not numeric: %s", raw)
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("progress is not numeric: %q", s)
		}
	}
	p := int(math.Round(f))
	return min(max(p, 0), 100), nil
}

func encodeBook(book *BookRequest) (*bytes.Buffer, string, error) {
	if err := book.Voice.Validate(); err != nil {
		return nil, "", err
	}
	chapters, err := json.Marshal(book.Chapters)
	if err != nil {
		return nil, "", err
	}
	voice, err := json.Marshal(book.Voice)
	if err != nil {
		return nil, "", err
	}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", book.FileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(book.Data); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("chapters", string(chapters)); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("voiceSettings", string(voice)); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}
