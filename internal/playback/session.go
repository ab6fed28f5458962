package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"atmoslofi/internal/auth"
	"atmoslofi/internal/store"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog/log"
)

var (
	ErrClipboardUnavailable = errors.New("clipboard unavailable")
	ErrSessionClosed        = errors.New("playback session is closed")
	ErrNoResult             = errors.New("session has no result to share or download")
)

// Clipboard copies text for the share action.
type Clipboard interface {
	WriteAll(text string) error
}

// SystemClipboard uses the host clipboard.
type SystemClipboard struct{}

func (SystemClipboard) WriteAll(text string) error {
	if clipboard.Unsupported {
		return ErrClipboardUnavailable
	}
	return clipboard.WriteAll(text) //nolint:wrapcheck
}

// Results resolves and streams converted files. *backend.Client satisfies it.
type Results interface {
	DownloadURL(taskID, format string) (string, error)
	Download(ctx context.Context, taskID, format string, w io.Writer) (int64, error)
}

type Options struct {
	// TaskID is the conversion the track came from; empty for raw previews.
	TaskID   string
	Settings Settings
	Devices  DeviceSource
	Sink     Sink
	Renderer Renderer
	Theme    Theme
	// Height is the visualizer canvas height bars are scaled to.
	Height        float64
	FrameInterval time.Duration

	Clipboard Clipboard
	// ShareFallback receives the link when the clipboard cannot be used.
	ShareFallback  io.Writer
	Results        Results
	Authorizer     auth.Authorizer
	OnAuthRequired func()
}

func (o Options) withDefaults() Options {
	if o.Theme == "" {
		o.Theme = ThemeClassic
	}
	if o.Height <= 0 {
		o.Height = 160
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = time.Second / FrameRate
	}
	if o.Clipboard == nil {
		o.Clipboard = SystemClipboard{}
	}
	if o.Authorizer == nil {
		o.Authorizer = auth.ContextAuthorizer
	}
	return o
}

// State is a snapshot of the session transport.
type State struct {
	TaskID   string        `json:"task_id,omitempty"`
	Mode     OutputMode    `json:"mode"`
	Theme    Theme         `json:"theme"`
	Graph    GraphState    `json:"graph"`
	Playing  bool          `json:"playing"`
	Loop     bool          `json:"loop"`
	Muted    bool          `json:"muted"`
	Volume   float64       `json:"volume"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`
}

// Session plays one track through the EQ graph and drives the visualizer.
// Loading another source means closing the session and building a new one.
type Session struct {
	mu      sync.Mutex
	opts    Options
	track   *Track
	graph   *Graph
	mode    OutputMode
	theme   Theme
	playing bool
	loop    bool
	muted   bool
	volume  float64
	pos     int
	seq     uint64
	block   int
	bins    []byte
	closed  bool

	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	closeOnce   sync.Once
}

// NewSession resolves the output mode, builds the graph and starts the
// frame loop. The loop outlives ctx and stops only on Close.
func NewSession(ctx context.Context, track *Track, opts Options) (*Session, error) {
	if track == nil || track.Channels <= 0 || track.SampleRate <= 0 {
		return nil, ErrNotWAV
	}
	opts = opts.withDefaults()
	mode := ResolveMode(ctx, opts.Settings, opts.Devices)
	graph, err := NewGraph(float64(track.SampleRate), track.Channels, ProfileFor(mode), opts.Sink)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		opts:   opts,
		track:  track,
		graph:  graph,
		mode:   mode,
		theme:  opts.Theme,
		volume: 1,
		block:  max(1, int(float64(track.SampleRate)*opts.FrameInterval.Seconds())),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if opts.Devices != nil {
		s.unsubscribe = opts.Devices.OnChange(s.redetect)
	}
	log.Info().Str("task_id", opts.TaskID).Str("mode", string(mode)).
		Int("sample_rate", track.SampleRate).Int("channels", track.Channels).
		Msg("playback session ready")

	go s.run(loopCtx)
	return s, nil
}

func (s *Session) Graph() *Graph { return s.graph }

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick advances playback by one frame interval and pushes a visualizer frame.
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var block []float64
	gain := s.volume
	if s.muted {
		gain = 0
	}
	if s.playing {
		block = s.advance()
	}
	playing := s.playing
	theme := s.theme
	s.seq++
	seq := s.seq
	at := s.position()
	s.mu.Unlock()

	if block != nil {
		if err := s.graph.Process(block, gain); err != nil && !errors.Is(err, ErrGraphClosed) {
			log.Warn().Err(err).Msg("audio sink write failed")
		}
	}

	if s.opts.Renderer == nil {
		return
	}
	s.bins = s.graph.Analyzer().ByteFrequencyData(s.bins)
	s.opts.Renderer.Render(Frame{
		Seq:     seq,
		Playing: playing,
		Theme:   theme,
		Height:  s.opts.Height,
		At:      at,
		Bars:    ComputeBars(s.bins, playing, float64(now.UnixMilli()), s.opts.Height, theme),
	})
}

// advance copies the next block and handles the end of the track. Callers
// hold s.mu.
func (s *Session) advance() []float64 {
	frames := s.track.Frames()
	ch := s.track.Channels
	end := min(s.pos+s.block, frames)
	block := make([]float64, (end-s.pos)*ch)
	copy(block, s.track.Samples[s.pos*ch:end*ch])
	s.pos = end
	if s.pos >= frames {
		if s.loop {
			s.pos = 0
		} else {
			s.playing = false
			log.Debug().Str("task_id", s.opts.TaskID).Msg("playback finished")
		}
	}
	return block
}

func (s *Session) position() time.Duration {
	return time.Duration(float64(s.pos) / float64(s.track.SampleRate) * float64(time.Second))
}

func (s *Session) redetect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mode := ResolveMode(ctx, s.opts.Settings, s.opts.Devices)
	if err := s.applyMode(mode); err != nil {
		log.Debug().Err(err).Msg("device change ignored")
		return
	}
	log.Info().Str("mode", string(mode)).Msg("output devices changed")
}

func (s *Session) applyMode(mode OutputMode) error {
	if err := s.graph.Retune(ProfileFor(mode)); err != nil {
		return err
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return nil
}

// SetMode persists the user's choice and retunes the live chain.
func (s *Session) SetMode(mode OutputMode) error {
	if s.opts.Settings != nil {
		if err := s.opts.Settings.Set(store.OutputModeKey, string(mode)); err != nil {
			return fmt.Errorf("save output mode: %w", err)
		}
	}
	return s.applyMode(mode)
}

func (s *Session) SetTheme(t Theme) {
	s.mu.Lock()
	s.theme = t
	s.mu.Unlock()
}

// TogglePlay resumes a suspended graph before starting. Playing from the
// end starts over.
func (s *Session) TogglePlay() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrSessionClosed
	}
	if s.playing {
		s.playing = false
		return false, nil
	}
	if err := s.resumeLocked(); err != nil {
		return false, err
	}
	if s.pos >= s.track.Frames() {
		s.pos = 0
	}
	s.playing = true
	return true, nil
}

// Restart seeks to zero and plays.
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.resumeLocked(); err != nil {
		return err
	}
	s.pos = 0
	s.playing = true
	return nil
}

func (s *Session) resumeLocked() error {
	if s.graph.State() == StateSuspended {
		return s.graph.Resume()
	}
	return nil
}

func (s *Session) SetLoop(on bool) {
	s.mu.Lock()
	s.loop = on
	s.mu.Unlock()
}

func (s *Session) ToggleLoop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = !s.loop
	return s.loop
}

// ToggleMute keeps the volume so unmuting restores it.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = !s.muted
	return s.muted
}

// SetVolume clamps v to [0, 1]. Zero mutes; anything louder unmutes.
func (s *Session) SetVolume(v float64) {
	v = max(0, min(1, v))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
	s.muted = v == 0
}

func (s *Session) Seek(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := int(d.Seconds() * float64(s.track.SampleRate))
	s.pos = max(0, min(frame, s.track.Frames()))
}

func (s *Session) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position()
}

func (s *Session) Duration() time.Duration { return s.track.Duration() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		TaskID:   s.opts.TaskID,
		Mode:     s.mode,
		Theme:    s.theme,
		Graph:    s.graph.State(),
		Playing:  s.playing,
		Loop:     s.loop,
		Muted:    s.muted,
		Volume:   s.volume,
		Position: s.position(),
		Duration: s.track.Duration(),
	}
}

// Share copies the mp3 download link, falling back to ShareFallback when
// the clipboard is unavailable. Without a fallback the link is still
// returned alongside ErrClipboardUnavailable.
func (s *Session) Share() (string, error) {
	if s.opts.TaskID == "" || s.opts.Results == nil {
		return "", ErrNoResult
	}
	link, err := s.opts.Results.DownloadURL(s.opts.TaskID, "mp3")
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	cerr := s.opts.Clipboard.WriteAll(link)
	if cerr == nil {
		return link, nil
	}
	if s.opts.ShareFallback == nil {
		return link, fmt.Errorf("%w: %w", ErrClipboardUnavailable, cerr)
	}
	log.Debug().Err(cerr).Msg("clipboard failed, using fallback")
	if _, err := io.WriteString(s.opts.ShareFallback, link+"\n"); err != nil {
		return "", fmt.Errorf("share fallback: %w", err)
	}
	return link, nil
}

// DownloadName is the file name offered for a result.
func DownloadName(taskID, format string) string {
	return "AtmosLofi_" + taskID + "." + format
}

// Download streams the result in format to w for signed-in callers.
// Anonymous callers trigger OnAuthRequired instead.
func (s *Session) Download(ctx context.Context, format string, w io.Writer) (int64, error) {
	if s.opts.TaskID == "" || s.opts.Results == nil {
		return 0, ErrNoResult
	}
	if _, err := s.opts.Authorizer.Authorize(ctx); err != nil {
		if s.opts.OnAuthRequired != nil {
			s.opts.OnAuthRequired()
		}
		return 0, auth.ErrAuthRequired
	}
	return s.opts.Results.Download(ctx, s.opts.TaskID, format, w) //nolint:wrapcheck
}

// Render writes the whole track through the current EQ profile to w as wav.
// The live graph is left untouched.
func (s *Session) Render(ctx context.Context, w io.WriteSeeker) error {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	t := s.track
	g, err := NewGraph(float64(t.SampleRate), t.Channels, ProfileFor(mode), &NullSink{})
	if err != nil {
		return err
	}
	defer g.Close()
	if err := g.Resume(); err != nil {
		return err
	}

	out := make([]float64, len(t.Samples))
	copy(out, t.Samples)
	chunk := 4096 * t.Channels
	for i := 0; i < len(out); i += chunk {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck
		}
		if err := g.Process(out[i:min(i+chunk, len(out))], 1); err != nil {
			return err
		}
	}
	return EncodeWAV(w, t.SampleRate, t.Channels, out)
}

// Close stops the frame loop, releases the device subscription and closes
// the graph. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.mu.Lock()
		s.closed = true
		s.playing = false
		s.mu.Unlock()
		s.graph.Close()
		log.Debug().Str("task_id", s.opts.TaskID).Msg("playback session closed")
	})
}
