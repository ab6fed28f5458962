package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"atmoslofi/internal/auth"
	"atmoslofi/internal/backend"
	fileutil "atmoslofi/internal/file"
	"atmoslofi/internal/playback"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type loadRequest struct {
	TaskID string         `json:"task_id"`
	FileID string         `json:"file_id"`
	Theme  playback.Theme `json:"theme"`
}

type volumeRequest struct {
	Volume float64 `json:"volume"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type themeRequest struct {
	Theme string `json:"theme"`
}

type loopRequest struct {
	Loop *bool `json:"loop"`
}

type seekRequest struct {
	Seconds float64 `json:"seconds"`
}

// frameBuffer keeps the latest visualizer frame for polling clients.
type frameBuffer struct {
	mu   sync.Mutex
	last playback.Frame
}

func (f *frameBuffer) Render(fr playback.Frame) {
	f.mu.Lock()
	f.last = fr
	f.mu.Unlock()
}

func (f *frameBuffer) Last() playback.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (a *API) registerPlayerRoutes(api *gin.RouterGroup) {
	p := api.Group("/player")
	{
		p.POST("", a.LoadPlayer)
		p.GET("", a.PlayerState)
		p.DELETE("", a.ClosePlayer)
		p.GET("/frame", a.PlayerFrame)
		p.POST("/toggle", a.TogglePlay)
		p.POST("/restart", a.Restart)
		p.PUT("/loop", a.SetLoop)
		p.POST("/mute", a.ToggleMute)
		p.PUT("/volume", a.SetVolume)
		p.PUT("/seek", a.Seek)
		p.PUT("/mode", a.SetMode)
		p.PUT("/theme", a.SetTheme)
		p.PUT("/devices", a.SetDevices)
		p.POST("/share", a.Share)
		p.GET("/download", a.PlayerDownload)
		p.GET("/render", a.Render)
	}
}

func (a *API) session() (*playback.Session, error) {
	a.playerMu.Lock()
	defer a.playerMu.Unlock()
	if a.player == nil {
		return nil, errNoPlayer
	}
	return a.player, nil
}

// withPlayer runs fn against the loaded session and replies with its state.
func (a *API) withPlayer(c *gin.Context, fn func(s *playback.Session) error) {
	s, err := a.session()
	if err != nil {
		writeError(c, err)
		return
	}
	if err := fn(s); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.State())
}

// LoadPlayer decodes a result (or the original upload) and replaces the current session
func (a *API) LoadPlayer(c *gin.Context) {
	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.TaskID == "" && req.FileID == "") {
		writeError(c, fmt.Errorf("%w: task_id or file_id is required", errBadRequest))
		return
	}
	var src string
	if req.TaskID != "" {
		u, err := a.backend.DownloadURL(req.TaskID, "wav")
		if err != nil {
			writeError(c, err)
			return
		}
		src = u
	} else {
		src = a.backend.RawURL(req.FileID)
	}

	track, err := playback.Load(c.Request.Context(), a.backend, src)
	if err != nil {
		log.Warn().Str("source", src).Err(err).Msg("player load failed")
		if errors.Is(err, playback.ErrNotWAV) {
			writeError(c, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
		writeError(c, err)
		return
	}

	opts := playback.Options{
		TaskID:    req.TaskID,
		Devices:   a.devices,
		Renderer:  a.frames,
		Theme:     req.Theme,
		Results:   a.backend,
		Clipboard: a.clip,
		OnAuthRequired: func() {
			log.Info().Str("task_id", req.TaskID).Msg("download needs sign-in")
		},
	}
	if a.local != nil {
		opts.Settings = a.local
	}
	s, err := playback.NewSession(c.Request.Context(), track, opts)
	if err != nil {
		writeError(c, err)
		return
	}

	a.playerMu.Lock()
	prev := a.player
	a.player = s
	a.playerMu.Unlock()
	if prev != nil {
		prev.Close()
	}
	c.JSON(http.StatusCreated, s.State())
}

// PlayerState reports transport state
func (a *API) PlayerState(c *gin.Context) {
	a.withPlayer(c, func(*playback.Session) error { return nil })
}

// ClosePlayer tears the session down
func (a *API) ClosePlayer(c *gin.Context) {
	a.playerMu.Lock()
	s := a.player
	a.player = nil
	a.playerMu.Unlock()
	if s == nil {
		writeError(c, errNoPlayer)
		return
	}
	s.Close()
	c.Status(http.StatusNoContent)
}

// PlayerFrame returns the latest visualizer frame
func (a *API) PlayerFrame(c *gin.Context) {
	if _, err := a.session(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.frames.Last())
}

func (a *API) TogglePlay(c *gin.Context) {
	a.withPlayer(c, func(s *playback.Session) error {
		_, err := s.TogglePlay()
		return err
	})
}

func (a *API) Restart(c *gin.Context) {
	a.withPlayer(c, func(s *playback.Session) error { return s.Restart() })
}

// SetLoop sets looping, or toggles it when no value is given
func (a *API) SetLoop(c *gin.Context) {
	var req loopRequest
	_ = c.ShouldBindJSON(&req)
	a.withPlayer(c, func(s *playback.Session) error {
		if req.Loop == nil {
			s.ToggleLoop()
			return nil
		}
		s.SetLoop(*req.Loop)
		return nil
	})
}

func (a *API) ToggleMute(c *gin.Context) {
	a.withPlayer(c, func(s *playback.Session) error {
		s.ToggleMute()
		return nil
	})
}

func (a *API) SetVolume(c *gin.Context) {
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errBadRequest)
		return
	}
	a.withPlayer(c, func(s *playback.Session) error {
		s.SetVolume(req.Volume)
		return nil
	})
}

func (a *API) Seek(c *gin.Context) {
	var req seekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errBadRequest)
		return
	}
	a.withPlayer(c, func(s *playback.Session) error {
		s.Seek(time.Duration(req.Seconds * float64(time.Second)))
		return nil
	})
}

// SetMode overrides output detection and remembers the choice
func (a *API) SetMode(c *gin.Context) {
	var req modeRequest
	_ = c.ShouldBindJSON(&req)
	mode, ok := playback.ParseMode(req.Mode)
	if !ok {
		writeError(c, fmt.Errorf("%w: mode must be headphones or speakers", errBadRequest))
		return
	}
	a.withPlayer(c, func(s *playback.Session) error { return s.SetMode(mode) })
}

func (a *API) SetTheme(c *gin.Context) {
	var req themeRequest
	_ = c.ShouldBindJSON(&req)
	theme, ok := playback.ParseTheme(req.Theme)
	if !ok {
		writeError(c, fmt.Errorf("%w: unknown theme", errBadRequest))
		return
	}
	a.withPlayer(c, func(s *playback.Session) error {
		s.SetTheme(theme)
		return nil
	})
}

// SetDevices replaces the reported output device list, which re-runs detection
func (a *API) SetDevices(c *gin.Context) {
	var devices []playback.Device
	if err := c.ShouldBindJSON(&devices); err != nil {
		writeError(c, errBadRequest)
		return
	}
	a.devices.Set(devices)
	if _, err := a.session(); err != nil {
		c.JSON(http.StatusOK, gin.H{"mode": playback.DetectMode(devices)})
		return
	}
	a.withPlayer(c, func(*playback.Session) error { return nil })
}

// Share copies the mp3 link; the link is returned either way
func (a *API) Share(c *gin.Context) {
	s, err := a.session()
	if err != nil {
		writeError(c, err)
		return
	}
	link, err := s.Share()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"url": link, "copied": true})
	case errors.Is(err, playback.ErrClipboardUnavailable):
		c.JSON(http.StatusOK, gin.H{"url": link, "copied": false})
	default:
		writeError(c, err)
	}
}

// PlayerDownload streams the loaded result to a signed-in caller
func (a *API) PlayerDownload(c *gin.Context) {
	s, err := a.session()
	if err != nil {
		writeError(c, err)
		return
	}
	format := c.DefaultQuery("format", "mp3")
	if !backend.ValidFormat(format) {
		writeError(c, backend.ErrUnsupportedFormat)
		return
	}
	taskID := s.State().TaskID
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", playback.DownloadName(taskID, format)))
	c.Header("Content-Type", contentType(format))
	if _, err := s.Download(c.Request.Context(), format, c.Writer); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("player download failed")
		if !c.Writer.Written() {
			c.Writer.Header().Del("Content-Disposition")
			c.Writer.Header().Del("Content-Type")
			writeError(c, err)
		}
	}
}

// Render returns the loaded track with the current EQ applied, as wav
func (a *API) Render(c *gin.Context) {
	if err := auth.Require(auth.FromContext(c.Request.Context())); err != nil {
		writeError(c, err)
		return
	}
	s, err := a.session()
	if err != nil {
		writeError(c, err)
		return
	}
	dir := a.dataDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := fileutil.EnsureDir(dir); err != nil {
		writeError(c, err)
		return
	}
	f, err := os.CreateTemp(dir, "render-*.wav")
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()
	if err := s.Render(c.Request.Context(), f); err != nil {
		log.Error().Err(err).Msg("render failed")
		writeError(c, err)
		return
	}
	st := s.State()
	name := "AtmosLofi_" + string(st.Mode) + ".wav"
	if st.TaskID != "" {
		name = playback.DownloadName(st.TaskID+"_"+string(st.Mode), "wav")
	}
	c.FileAttachment(f.Name(), name)
}
