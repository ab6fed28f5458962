package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"atmoslofi/internal/auth"
	"atmoslofi/internal/backend"
	"atmoslofi/internal/job"
	"atmoslofi/internal/mix"
	"atmoslofi/internal/payment"
	"atmoslofi/internal/playback"
	"atmoslofi/internal/progress"
	"atmoslofi/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Backend is what the studio API needs from the conversion service beyond
// the orchestrator. *backend.Client satisfies it.
type Backend interface {
	Description(ctx context.Context, mood string) (string, error)
	DownloadURL(taskID, format string) (string, error)
	RawURL(fileID string) string
	Download(ctx context.Context, taskID, format string, w io.Writer) (int64, error)
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

type Deps struct {
	Jobs     *job.Orchestrator
	Hub      *progress.Hub
	Backend  Backend
	Local    *store.Local
	Remote   *store.Redis
	Checkout *payment.Checkout
	Devices  *playback.StaticDevices
	Origins  []string
	// DataDir holds temporary renders.
	DataDir string
	// Clipboard overrides the host clipboard for the player's share action.
	Clipboard playback.Clipboard
}

type API struct {
	jobs     *job.Orchestrator
	hub      *progress.Hub
	backend  Backend
	local    *store.Local
	remote   *store.Redis
	checkout *payment.Checkout
	devices  *playback.StaticDevices
	upgrader websocket.Upgrader
	dataDir  string
	clip     playback.Clipboard

	baseCtx context.Context

	playerMu sync.Mutex
	player   *playback.Session
	frames   *frameBuffer
}

func NewAPI(d Deps) *API {
	devices := d.Devices
	if devices == nil {
		devices = playback.NewStaticDevices()
	}
	return &API{
		jobs:     d.Jobs,
		hub:      d.Hub,
		backend:  d.Backend,
		local:    d.Local,
		remote:   d.Remote,
		checkout: d.Checkout,
		devices:  devices,
		upgrader: progress.Upgrader(d.Origins),
		dataDir:  d.DataDir,
		clip:     d.Clipboard,
		baseCtx:  context.Background(),
		frames:   &frameBuffer{},
	}
}

// SetBaseContext sets the parent context for background runs.
func (a *API) SetBaseContext(ctx context.Context) {
	if ctx != nil {
		a.baseCtx = ctx
	}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", a.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/jobs", a.ListJobs)
		api.POST("/jobs", a.AddJobs)
		api.POST("/jobs/link", a.FetchLink)
		api.POST("/jobs/clear", a.ClearCompleted)
		api.GET("/jobs/:id", a.GetJob)
		api.DELETE("/jobs/:id", a.RemoveJob)
		api.GET("/jobs/:id/result", a.ResultURL)
		api.GET("/jobs/:id/download", a.DownloadResult)
		api.GET("/results.zip", a.DownloadAll)
		api.POST("/run", a.Run)
		api.POST("/cancel", a.Cancel)

		api.GET("/presets", a.ListPresets)
		api.GET("/presets/catalog", a.Catalog)
		api.POST("/presets", a.SavePreset)
		api.DELETE("/presets/:id", a.DeletePreset)
		api.GET("/moods/:mood", a.MoodDescription)
		api.GET("/history", a.ListHistory)
		api.DELETE("/history/:id", a.DeleteHistory)

		api.GET("/session", a.GetSession)
		api.POST("/session", a.SignIn)
		api.DELETE("/session", a.SignOut)

		api.GET("/payments/packs", a.Packs)
		api.POST("/payments/order", a.CreateOrder)
		api.POST("/payments/verify", a.VerifyPayment)

		api.GET("/ws", a.Stream)
		api.GET("/ws/:jobId", a.Stream)
	}
	a.registerPlayerRoutes(api)
}

// Health reports liveness
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": a.jobs.Running(), "pending": a.jobs.Pending()})
}

// Stream upgrades to a websocket carrying job updates
func (a *API) Stream(c *gin.Context) {
	jobID := c.Param("jobId")
	if jobID == "" {
		jobID = progress.AllJobs
	}
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	a.hub.Serve(conn, jobID)
}

var (
	errUnknownPreset = errors.New("unknown preset")
	errNoEligible    = errors.New("no queued or failed jobs to run")
	errNoPlayer      = errors.New("no audio loaded")
	errBadRequest    = errors.New("invalid request")
)

// statusOf maps domain errors onto HTTP statuses.
func statusOf(err error) int {
	var (
		fetchErr *job.RemoteFetchError
		payErr   *payment.Failure
	)
	switch {
	case errors.Is(err, auth.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.As(err, &payErr):
		return http.StatusPaymentRequired
	case errors.Is(err, job.ErrInvalidSource),
		errors.Is(err, mix.ErrEmptyPresetName),
		errors.Is(err, backend.ErrUnsupportedFormat),
		errors.Is(err, store.ErrEmptyTaskID),
		errors.Is(err, store.ErrEmptyPresetID),
		errors.Is(err, errUnknownPreset),
		errors.Is(err, errNoEligible),
		errors.Is(err, errBadRequest),
		errors.Is(err, playback.ErrNotWAV):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrRunning),
		errors.Is(err, job.ErrAlreadyRunning),
		errors.Is(err, job.ErrQueueFull),
		errors.Is(err, job.ErrNotDone),
		errors.Is(err, playback.ErrNoResult),
		errors.Is(err, playback.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, job.ErrJobNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, errNoPlayer):
		return http.StatusNotFound
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	}
	if code := backend.StatusCodeOf(err); code == http.StatusUnauthorized || code == http.StatusPaymentRequired {
		return code
	}
	return http.StatusBadGateway
}

func writeError(c *gin.Context, err error) {
	code := statusOf(err)
	msg := err.Error()
	var fetchErr *job.RemoteFetchError
	if errors.As(err, &fetchErr) {
		msg = fetchErr.Message
	}
	c.JSON(code, gin.H{"error": msg})
}

// storeFor picks the history/preset backend for the caller.
func (a *API) storeFor(c *gin.Context) store.Store { //nolint:ireturn
	return store.Select(auth.FromContext(c.Request.Context()).UserID, a.local, a.remote)
}
