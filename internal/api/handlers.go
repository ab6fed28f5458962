package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"atmoslofi/internal/archive"
	"atmoslofi/internal/auth"
	"atmoslofi/internal/backend"
	"atmoslofi/internal/job"
	"atmoslofi/internal/mix"
	"atmoslofi/internal/playback"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type queueResponse struct {
	Jobs    []job.Job `json:"jobs"`
	Pending int       `json:"pending"`
	Running bool      `json:"running"`
}

type addJobsResponse struct {
	Jobs     []job.Job `json:"jobs"`
	Rejected []string  `json:"rejected,omitempty"`
}

type runRequest struct {
	Preset         string          `json:"preset"`
	CustomPresetID string          `json:"custom_preset_id"`
	Mix            *mix.Parameters `json:"mix"`
}

// maxUploadMemory bounds multipart parsing; the rest spills to disk.
const maxUploadMemory = 32 << 20

// ListJobs returns the queue in order
func (a *API) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, queueResponse{Jobs: a.jobs.Jobs(), Pending: a.jobs.Pending(), Running: a.jobs.Running()})
}

// GetJob returns one job
func (a *API) GetJob(c *gin.Context) {
	id := c.Param("id")
	if j, ok := a.jobs.Job(id); ok {
		c.JSON(http.StatusOK, j)
		return
	}
	log.Warn().Str("job_id", id).Msg("job not found on get")
	writeError(c, job.ErrJobNotFound)
}

// AddJobs queues uploaded files. Valid files are kept even when others are rejected.
func (a *API) AddJobs(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		log.Warn().Err(err).Msg("invalid multipart upload")
		writeError(c, errBadRequest)
		return
	}
	headers := c.Request.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(c, fmt.Errorf("%w: no files", errBadRequest))
		return
	}

	sources := make([]job.Source, 0, len(headers))
	for _, fh := range headers {
		// the run outlives the request and its multipart temp files
		f, err := fh.Open()
		if err != nil {
			writeError(c, fmt.Errorf("%w: %s", errBadRequest, fh.Filename))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			writeError(c, fmt.Errorf("%w: %s", errBadRequest, fh.Filename))
			return
		}
		sources = append(sources, job.BytesSource(fh.Filename, data))
	}

	added, err := a.jobs.Enqueue(sources...)
	resp := addJobsResponse{Jobs: added}
	if err != nil {
		resp.Rejected = strings.Split(err.Error(), "\n")
	}
	status := http.StatusCreated
	if len(added) == 0 {
		status = http.StatusBadRequest
	}
	log.Info().Int("added", len(added)).Int("rejected", len(resp.Rejected)).Msg("files queued")
	c.JSON(status, resp)
}

// FetchLink pulls audio from a link and queues it. The request waits for the fetch.
func (a *API) FetchLink(c *gin.Context) {
	link := strings.TrimSpace(c.PostForm("url"))
	if link == "" {
		writeError(c, fmt.Errorf("%w: url is required", errBadRequest))
		return
	}
	j, err := a.jobs.FetchLink(c.Request.Context(), link)
	if err != nil {
		log.Warn().Str("link", link).Err(err).Msg("link fetch failed")
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, j)
}

// RemoveJob drops a job from the queue
func (a *API) RemoveJob(c *gin.Context) {
	if err := a.jobs.Remove(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ClearCompleted drops finished jobs
func (a *API) ClearCompleted(c *gin.Context) {
	n, err := a.jobs.ClearCompleted()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// Run starts converting every queued or failed job in the background
func (a *API) Run(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		log.Warn().Err(err).Msg("invalid run request")
		writeError(c, errBadRequest)
		return
	}
	id := auth.FromContext(c.Request.Context())

	sub, err := a.submission(c, req, id)
	if err != nil {
		writeError(c, err)
		return
	}
	// reserve before replying so a concurrent request sees the run as taken
	run, err := a.jobs.Reserve(a.baseCtx, sub)
	if err != nil {
		writeError(c, err)
		return
	}
	if run.Len() == 0 {
		run.Execute()
		writeError(c, errNoEligible)
		return
	}

	go func() {
		summary := run.Execute()
		log.Info().Int("done", summary.Done).Int("failed", summary.Failed).Bool("cancelled", summary.Cancelled).Msg("background run finished")
	}()
	c.JSON(http.StatusAccepted, gin.H{"pending": run.Len(), "preset": sub.Preset})
}

func (a *API) submission(c *gin.Context, req runRequest, id auth.Identity) (job.Submission, error) {
	preset := strings.TrimSpace(req.Preset)
	if preset == "" {
		preset = mix.AutoPreset
	}
	if _, ok := mix.LookupPreset(preset); !ok {
		return job.Submission{}, fmt.Errorf("%w: %s", errUnknownPreset, preset)
	}
	params := mix.Default()
	if req.Mix != nil {
		params = *req.Mix
	}
	if req.CustomPresetID != "" {
		presets, err := a.storeFor(c).Presets(c.Request.Context())
		if err != nil {
			return job.Submission{}, err //nolint:wrapcheck
		}
		found := false
		for _, p := range presets {
			if p.ID == req.CustomPresetID {
				params = p.Parameters(params.CopyrightFree)
				found = true
				break
			}
		}
		if !found {
			return job.Submission{}, fmt.Errorf("%w: %s", errUnknownPreset, req.CustomPresetID)
		}
	}
	// copyright-free mode spends credits, so the backend needs a user
	if params.CopyrightFree && !id.SignedIn() {
		return job.Submission{}, auth.ErrAuthRequired
	}
	return job.Submission{Preset: preset, Mix: params.Clamp(), UserID: id.UserID}, nil
}

// Cancel stops the active run at the next job start or poll tick
func (a *API) Cancel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": a.jobs.Cancel()})
}

// ResultURL returns the download link of a finished job
func (a *API) ResultURL(c *gin.Context) {
	format := c.DefaultQuery("format", "mp3")
	u, err := a.jobs.ResultURL(c.Param("id"), format)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": u, "format": format})
}

// DownloadResult streams a finished job's result to a signed-in caller
func (a *API) DownloadResult(c *gin.Context) {
	if err := auth.Require(auth.FromContext(c.Request.Context())); err != nil {
		writeError(c, err)
		return
	}
	format := c.DefaultQuery("format", "mp3")
	if !backend.ValidFormat(format) {
		writeError(c, backend.ErrUnsupportedFormat)
		return
	}
	j, ok := a.jobs.Job(c.Param("id"))
	if !ok {
		writeError(c, job.ErrJobNotFound)
		return
	}
	if j.Status != job.StatusDone || j.RemoteTaskID == "" {
		writeError(c, job.ErrNotDone)
		return
	}
	a.stream(c, j.RemoteTaskID, format)
}

func (a *API) stream(c *gin.Context, taskID, format string) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", playback.DownloadName(taskID, format)))
	c.Header("Content-Type", contentType(format))
	n, err := a.backend.Download(c.Request.Context(), taskID, format, c.Writer)
	if err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("result download failed")
		if !c.Writer.Written() {
			c.Writer.Header().Del("Content-Disposition")
			c.Writer.Header().Del("Content-Type")
			writeError(c, err)
		}
		return
	}
	log.Info().Str("task_id", taskID).Int64("bytes", n).Msg("result served")
}

// DownloadAll zips every finished result in one format
func (a *API) DownloadAll(c *gin.Context) {
	if err := auth.Require(auth.FromContext(c.Request.Context())); err != nil {
		writeError(c, err)
		return
	}
	format := c.DefaultQuery("format", "mp3")
	if !backend.ValidFormat(format) {
		writeError(c, backend.ErrUnsupportedFormat)
		return
	}
	var items []archive.Item
	for _, j := range a.jobs.Jobs() {
		if j.Status == job.StatusDone && j.RemoteTaskID != "" {
			items = append(items, archive.Item{TaskID: j.RemoteTaskID, Name: j.Name})
		}
	}
	if len(items) == 0 {
		writeError(c, job.ErrNotDone)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="AtmosLofi_results.zip"`)
	c.Header("Content-Type", "application/zip")
	results, err := archive.Write(c.Request.Context(), a.backend, c.Writer, format, items)
	if err != nil {
		log.Error().Err(err).Msg("results archive failed")
		return
	}
	failed := 0
	for _, r := range results {
		if r.Err != "" {
			failed++
		}
	}
	log.Info().Int("files", len(results)).Int("failed", failed).Msg("results archive served")
}

func contentType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "mp4":
		return "video/mp4"
	default:
		return "audio/mpeg"
	}
}
