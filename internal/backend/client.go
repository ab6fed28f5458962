package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"atmoslofi/internal/mix"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Remote task states reported by /api/status.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusNotFound   = "not_found"
)

// Remote fetch states reported by /api/yt-status.
const (
	LinkDownloading = "downloading"
	LinkDone        = "done"
	LinkFailed      = "failed"
	LinkNotFound    = "not_found"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	defaultBurst       = 5
	maxErrorBody       = 4 << 10
)

// Formats accepted by the download endpoint.
var Formats = []string{"mp3", "wav", "mp4"}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// RequestsPerSecond paces outgoing calls. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the conversion backend.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// ProcessRequest is the form submitted to start a conversion.
type ProcessRequest struct {
	FileID string
	Preset string
	Mix    mix.Parameters
	UserID string
}

// TaskStatus is the body of /api/status/{id}.
type TaskStatus struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Mood   string `json:"mood,omitempty"`
}

// LinkStatus is the body of /api/yt-status/{id}.
type LinkStatus struct {
	Status   string `json:"status"`
	FileID   string `json:"file_id"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = defaultBurst
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		limiter: limiter,
	}
}

// BaseURL returns the backend root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Upload sends the file as multipart field "file" and returns the remote file id.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	var out struct {
		FileID string `json:"file_id"`
	}
	if err := c.do(ctx, "upload", http.MethodPost, "/api/upload", &body, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	if out.FileID == "" {
		return "", fmt.Errorf("upload: %w", ErrEmptyID)
	}
	return out.FileID, nil
}

// Process submits a conversion for an uploaded file and returns the task id.
func (c *Client) Process(ctx context.Context, req ProcessRequest) (string, error) {
	form := url.Values{}
	form.Set("file_id", req.FileID)
	form.Set("preset", req.Preset)
	for k, v := range req.Mix.Clamp().Form() {
		form.Set(k, v)
	}
	if req.UserID != "" {
		form.Set("user_id", req.UserID)
	}

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.postForm(ctx, "process", "/api/process", form, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("process: %w", ErrEmptyID)
	}
	return out.TaskID, nil
}

// Status reads the state of a conversion task.
func (c *Client) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	var out TaskStatus
	err := c.do(ctx, "status", http.MethodGet, "/api/status/"+url.PathEscape(taskID), nil, "", &out)
	return out, err
}

// SubmitLink asks the backend to fetch audio from a remote link.
func (c *Client) SubmitLink(ctx context.Context, link string) (string, error) {
	form := url.Values{}
	form.Set("url", link)
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.postForm(ctx, "submit link", "/api/youtube", form, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("submit link: %w", ErrEmptyID)
	}
	return out.TaskID, nil
}

// LinkStatus reads the state of a remote fetch.
func (c *Client) LinkStatus(ctx context.Context, linkTaskID string) (LinkStatus, error) {
	var out LinkStatus
	err := c.do(ctx, "link status", http.MethodGet, "/api/yt-status/"+url.PathEscape(linkTaskID), nil, "", &out)
	return out, err
}

// Description asks the backend for a short text describing a mood.
func (c *Client) Description(ctx context.Context, mood string) (string, error) {
	var out struct {
		Description string `json:"description"`
	}
	if err := c.do(ctx, "description", http.MethodGet, "/api/description/"+url.PathEscape(mood), nil, "", &out); err != nil {
		return "", err
	}
	return out.Description, nil
}

// ValidFormat reports whether format is served by the download endpoint.
func ValidFormat(format string) bool {
	for _, f := range Formats {
		if f == format {
			return true
		}
	}
	return false
}

// DownloadURL builds the result URL for a finished task.
func (c *Client) DownloadURL(taskID, format string) (string, error) {
	if !ValidFormat(format) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return c.baseURL + "/api/download/" + url.PathEscape(taskID) + "?format=" + format, nil
}

// RawURL is the original upload, used for before/after comparison.
func (c *Client) RawURL(fileID string) string {
	return c.baseURL + "/api/raw/" + url.PathEscape(fileID)
}

// Download streams a finished result into w.
func (c *Client) Download(ctx context.Context, taskID, format string, w io.Writer) (int64, error) {
	target, err := c.DownloadURL(taskID, format)
	if err != nil {
		return 0, err
	}
	body, err := c.Open(ctx, target)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()
	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("copy download: %w", err)
	}
	return n, nil
}

// Open issues a GET for an absolute URL and returns the body on success.
func (c *Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, apiErrorFrom("open", resp)
	}
	return resp.Body, nil
}

func (c *Client) postForm(ctx context.Context, op, path string, form url.Values, out any) error {
	return c.do(ctx, op, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	return c.do(ctx, op, http.MethodPost, path, bytes.NewReader(payload), "application/json", out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug().Str("op", op).Err(err).Msg("backend request failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := apiErrorFrom(op, resp)
		log.Debug().Str("op", op).Int("status", resp.StatusCode).Str("detail", apiErr.Detail).Msg("backend returned error")
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func apiErrorFrom(op string, resp *http.Response) *APIError {
	apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Detail != nil {
		switch d := payload.Detail.(type) {
		case string:
			apiErr.Detail = d
		default:
			b, _ := json.Marshal(d)
			apiErr.Detail = string(b)
		}
		return apiErr
	}
	apiErr.Detail = strings.TrimSpace(string(raw))
	return apiErr
}
