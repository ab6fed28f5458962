package playback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"atmoslofi/internal/auth"
	"atmoslofi/internal/store"
)

type mapSettings map[string]string

func (m mapSettings) Get(key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapSettings) Set(key, value string) error {
	m[key] = value
	return nil
}

type failingDevices struct{}

func (failingDevices) Devices(context.Context) ([]Device, error) {
	return nil, errors.New("permission denied")
}

func (failingDevices) OnChange(func()) func() { return func() {} }

type fakeClipboard struct {
	err  error
	text string
}

func (c *fakeClipboard) WriteAll(text string) error {
	if c.err != nil {
		return c.err
	}
	c.text = text
	return nil
}

type fakeResults struct {
	downloads int
}

func (r *fakeResults) DownloadURL(taskID, format string) (string, error) {
	return "http://api.test/api/download/" + taskID + "?format=" + format, nil
}

func (r *fakeResults) Download(_ context.Context, taskID, format string, w io.Writer) (int64, error) {
	r.downloads++
	n, err := io.WriteString(w, taskID+"."+format)
	return int64(n), err
}

type frameLog struct {
	mu     sync.Mutex
	frames []Frame
}

func (l *frameLog) Render(f Frame) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
}

func sineTrack(frames, sampleRate int, freq float64) *Track {
	samples := make([]float64, frames)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return &Track{SampleRate: sampleRate, Channels: 1, BitDepth: 16, Samples: samples}
}

func headphones() Device {
	return Device{Kind: KindAudioOutput, Label: "Bluetooth Headphones"}
}

func speakers() Device {
	return Device{Kind: KindAudioOutput, Label: "Built-in Speakers"}
}

// newTestSession parks the ticker so tests drive frames with tick.
func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	opts.FrameInterval = time.Hour
	s, err := NewSession(context.Background(), sineTrack(100, 1000, 50), opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.block = 10
	t.Cleanup(s.Close)
	return s
}

func TestDetectMode(t *testing.T) {
	cases := []struct {
		name    string
		devices []Device
		want    OutputMode
	}{
		{"headphones label", []Device{speakers(), headphones()}, ModeHeadphones},
		{"speakers only", []Device{speakers()}, ModeSpeakers},
		{"airpods", []Device{{Kind: KindAudioOutput, Label: "Jo's AirPods Pro"}}, ModeHeadphones},
		{"input device ignored", []Device{{Kind: "audioinput", Label: "Headset Microphone"}}, ModeSpeakers},
		{"empty", nil, ModeSpeakers},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectMode(tc.devices); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestResolveModePersistedChoiceWins(t *testing.T) {
	settings := mapSettings{store.OutputModeKey: string(ModeSpeakers)}
	got := ResolveMode(context.Background(), settings, NewStaticDevices(headphones()))
	if got != ModeSpeakers {
		t.Fatalf("expected persisted speakers, got %s", got)
	}
}

func TestResolveModeFallsBackToSpeakers(t *testing.T) {
	if got := ResolveMode(context.Background(), mapSettings{}, failingDevices{}); got != ModeSpeakers {
		t.Fatalf("expected speakers on enumeration error, got %s", got)
	}
	if got := ResolveMode(context.Background(), mapSettings{}, NewStaticDevices(headphones())); got != ModeHeadphones {
		t.Fatalf("expected detected headphones, got %s", got)
	}
}

func TestRetuneKeepsStages(t *testing.T) {
	g, err := NewGraph(48000, 2, ProfileFor(ModeSpeakers), nil)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	before := g.Stages()
	if err := g.Retune(ProfileFor(ModeHeadphones)); err != nil {
		t.Fatalf("Retune: %v", err)
	}
	after := g.Stages()
	if len(before) != 4 || len(after) != 4 {
		t.Fatalf("expected 4 stages, got %d and %d", len(before), len(after))
	}
	want := ProfileFor(ModeHeadphones)
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("stage %d was rebuilt", i)
		}
		if after[i].Band() != want[i] {
			t.Fatalf("stage %d: expected %+v, got %+v", i, want[i], after[i].Band())
		}
	}
	if err := g.Retune(Profile{{Type: Peaking, Freq: 1000}}); !errors.Is(err, ErrProfileMismatch) {
		t.Fatalf("expected ErrProfileMismatch, got %v", err)
	}
}

func TestRetuneDoesNotClick(t *testing.T) {
	const sr = 8000.0
	band := ProfileFor(ModeHeadphones)[0]
	st := newStage(band, sr, 1)
	ref := newStage(band, sr, 1)
	sine := func(n int) float64 { return 0.5 * math.Sin(2*math.Pi*50*float64(n)/sr) }

	n := 0
	var prev, steady float64
	for ; n < 4000; n++ {
		y := st.process(0, sine(n))
		ref.process(0, sine(n))
		if n > 3000 {
			steady = math.Max(steady, math.Abs(y-prev))
		}
		prev = y
	}

	st.tune(band)
	var worst float64
	for end := n + 800; n < end; n++ {
		y := st.process(0, sine(n))
		want := ref.process(0, sine(n))
		worst = math.Max(worst, math.Abs(y-prev))
		prev = y
		if end-n < 200 && math.Abs(y-want) > 1e-6 {
			t.Fatalf("sample %d: expected %f after the fade, got %f", n, want, y)
		}
	}
	if worst > 2*steady {
		t.Fatalf("retune jumped by %f, steady state steps stay under %f", worst, steady)
	}
	if st.fadeLeft[0] != 0 || st.fading[0] != nil {
		t.Fatalf("fade did not finish: %d samples left", st.fadeLeft[0])
	}
}

func TestGraphSuspendedAndClosed(t *testing.T) {
	sink := &NullSink{}
	g, err := NewGraph(1000, 1, ProfileFor(ModeSpeakers), sink)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	if g.State() != StateSuspended {
		t.Fatalf("expected new graph suspended, got %s", g.State())
	}
	if err := g.Process(make([]float64, 10), 1); err != nil || sink.Frames() != 0 {
		t.Fatalf("suspended graph wrote %d frames (err %v)", sink.Frames(), err)
	}
	if err := g.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := g.Process(make([]float64, 10), 1); err != nil || sink.Frames() != 10 {
		t.Fatalf("expected 10 frames, got %d (err %v)", sink.Frames(), err)
	}
	g.Close()
	g.Close()
	if err := g.Resume(); !errors.Is(err, ErrGraphClosed) {
		t.Fatalf("expected ErrGraphClosed, got %v", err)
	}
}

func TestProfilesShapeLowEnd(t *testing.T) {
	hp, _ := NewGraph(48000, 1, ProfileFor(ModeHeadphones), nil)
	sp, _ := NewGraph(48000, 1, ProfileFor(ModeSpeakers), nil)
	if db := hp.ResponseDB([]float64{30})[0]; db < 1 {
		t.Fatalf("expected headphone bass boost at 30Hz, got %.2f dB", db)
	}
	if db := sp.ResponseDB([]float64{30})[0]; db > -1 {
		t.Fatalf("expected speaker bass cut at 30Hz, got %.2f dB", db)
	}
}

func TestAnalyzerFindsTone(t *testing.T) {
	a, err := NewAnalyzer(DefaultFFTSize)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	if a.BinCount() != 64 {
		t.Fatalf("expected 64 bins, got %d", a.BinCount())
	}
	silent := a.ByteFrequencyData(nil)
	for i, v := range silent {
		if v != 0 {
			t.Fatalf("silence: bin %d = %d", i, v)
		}
	}

	const bin = 8
	tone := make([]float64, DefaultFFTSize)
	for i := range tone {
		tone[i] = 0.5 * math.Sin(2*math.Pi*bin*float64(i)/DefaultFFTSize)
	}
	var data []byte
	for range 20 {
		a.Push(tone...)
		data = a.ByteFrequencyData(data)
	}
	if data[bin] < 200 {
		t.Fatalf("expected strong bin %d, got %d", bin, data[bin])
	}
	if data[40] >= data[bin] {
		t.Fatalf("expected bin 40 (%d) below bin %d (%d)", data[40], bin, data[bin])
	}
}

func TestComputeBarsIdle(t *testing.T) {
	bars := ComputeBars(nil, false, 1234, 100, ThemeClassic)
	if len(bars) != BarCount {
		t.Fatalf("expected %d bars, got %d", BarCount, len(bars))
	}
	for i, b := range bars {
		if b.Value < 2 || b.Value > 26 {
			t.Fatalf("bar %d: idle value %.2f out of range", i, b.Value)
		}
		if b.Height < 3 {
			t.Fatalf("bar %d: height %.2f below minimum", i, b.Height)
		}
		if !strings.HasSuffix(b.Color, ",0.25)") {
			t.Fatalf("bar %d: expected dim idle color, got %s", i, b.Color)
		}
	}
	if bars[0].Value == bars[1].Value {
		t.Fatalf("expected idle animation to vary by bar")
	}
}

func TestComputeBarsThemes(t *testing.T) {
	full := bytes.Repeat([]byte{255}, 64)
	bars := ComputeBars(full, true, 0, 100, ThemeCyberpunk)
	if bars[0].Color != "rgba(34,211,238,1)" || bars[1].Color != "rgba(244,114,182,1)" {
		t.Fatalf("unexpected cyberpunk colors: %s %s", bars[0].Color, bars[1].Color)
	}
	if math.Abs(bars[0].Height-92) > 1e-9 {
		t.Fatalf("expected full bar height 92, got %.2f", bars[0].Height)
	}

	quiet := ComputeBars(make([]byte, 64), true, 0, 100, ThemeClassic)
	if quiet[0].Color != "rgba(99,102,241,0.4)" || quiet[0].Height != 3 {
		t.Fatalf("unexpected quiet classic bar: %+v", quiet[0])
	}
	late := ComputeBars(full, true, 0, 100, ThemeLateNight)
	if late[5].Color != "rgba(148,163,184,1)" {
		t.Fatalf("unexpected late-night color: %s", late[5].Color)
	}
}

func TestCacheBust(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	got, err := CacheBust("http://api.test/api/download/t1?format=wav", now)
	if err != nil {
		t.Fatalf("CacheBust: %v", err)
	}
	if !strings.Contains(got, "format=wav") || !strings.Contains(got, "t=1700000000000") {
		t.Fatalf("unexpected url: %s", got)
	}
	got, _ = CacheBust("http://api.test/raw/abc", now)
	if !strings.HasSuffix(got, "/raw/abc?t=1700000000000") {
		t.Fatalf("unexpected url: %s", got)
	}
}

func TestTransportPlaysToEndAndLoops(t *testing.T) {
	frames := &frameLog{}
	s := newTestSession(t, Options{Renderer: frames})

	playing, err := s.TogglePlay()
	if err != nil || !playing {
		t.Fatalf("TogglePlay: playing=%v err=%v", playing, err)
	}
	if s.State().Graph != StateRunning {
		t.Fatalf("expected graph resumed, got %s", s.State().Graph)
	}
	for range 10 {
		s.tick(time.Now())
	}
	st := s.State()
	if st.Playing || st.Position != s.Duration() {
		t.Fatalf("expected stop at end, got %+v", st)
	}

	s.SetLoop(true)
	if _, err := s.TogglePlay(); err != nil {
		t.Fatalf("TogglePlay: %v", err)
	}
	for range 10 {
		s.tick(time.Now())
	}
	st = s.State()
	if !st.Playing || st.Position != 0 {
		t.Fatalf("expected loop back to start, got %+v", st)
	}

	frames.mu.Lock()
	n := len(frames.frames)
	last := frames.frames[n-1]
	frames.mu.Unlock()
	if n != 20 || len(last.Bars) != BarCount || last.Seq != 20 {
		t.Fatalf("expected 20 frames of %d bars, got %d (last seq %d)", BarCount, n, last.Seq)
	}
}

func TestVolumeAndMute(t *testing.T) {
	s := newTestSession(t, Options{})
	s.SetVolume(0.6)
	if s.ToggleMute() != true || s.State().Volume != 0.6 {
		t.Fatalf("mute should keep volume, got %+v", s.State())
	}
	if s.ToggleMute() != false {
		t.Fatalf("expected unmuted")
	}
	s.SetVolume(0)
	if !s.State().Muted {
		t.Fatalf("volume 0 should mute")
	}
	s.SetVolume(0.3)
	if s.State().Muted {
		t.Fatalf("positive volume should unmute")
	}
	s.SetVolume(4)
	if s.State().Volume != 1 {
		t.Fatalf("expected clamp to 1, got %.2f", s.State().Volume)
	}
}

func TestRestartAndSeek(t *testing.T) {
	s := newTestSession(t, Options{})
	s.Seek(50 * time.Millisecond)
	if s.Position() != 50*time.Millisecond {
		t.Fatalf("expected 50ms, got %s", s.Position())
	}
	if err := s.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if st := s.State(); !st.Playing || st.Position != 0 {
		t.Fatalf("expected playing from zero, got %+v", st)
	}
}

func TestDeviceChangeRetunesInPlace(t *testing.T) {
	devices := NewStaticDevices(speakers())
	s := newTestSession(t, Options{Devices: devices, Settings: mapSettings{}})
	if s.State().Mode != ModeSpeakers {
		t.Fatalf("expected speakers, got %s", s.State().Mode)
	}
	before := s.Graph().Stages()

	devices.Set([]Device{speakers(), headphones()})

	if s.State().Mode != ModeHeadphones {
		t.Fatalf("expected headphones after device change, got %s", s.State().Mode)
	}
	after := s.Graph().Stages()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("stage %d was rebuilt", i)
		}
	}
	if after[0].Band().Freq != 80 {
		t.Fatalf("expected headphone low shelf, got %+v", after[0].Band())
	}
}

func TestSetModePersists(t *testing.T) {
	settings := mapSettings{}
	s := newTestSession(t, Options{Settings: settings, Devices: NewStaticDevices(headphones())})
	if err := s.SetMode(ModeSpeakers); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if settings[store.OutputModeKey] != string(ModeSpeakers) || s.State().Mode != ModeSpeakers {
		t.Fatalf("expected persisted speakers, got %v / %s", settings, s.State().Mode)
	}
}

func TestCloseReleasesDevicesAndGraph(t *testing.T) {
	devices := NewStaticDevices(speakers())
	s, err := NewSession(context.Background(), sineTrack(100, 1000, 50), Options{Devices: devices})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if devices.Listeners() != 1 {
		t.Fatalf("expected one listener, got %d", devices.Listeners())
	}
	s.Close()
	s.Close()
	if devices.Listeners() != 0 {
		t.Fatalf("expected listener released, got %d", devices.Listeners())
	}
	if s.Graph().State() != StateClosed {
		t.Fatalf("expected closed graph, got %s", s.Graph().State())
	}
	if _, err := s.TogglePlay(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestShareFallsBack(t *testing.T) {
	results := &fakeResults{}
	clip := &fakeClipboard{}
	s := newTestSession(t, Options{TaskID: "t1", Results: results, Clipboard: clip})
	link, err := s.Share()
	if err != nil || clip.text != link || !strings.HasSuffix(link, "/api/download/t1?format=mp3") {
		t.Fatalf("Share: link=%q clip=%q err=%v", link, clip.text, err)
	}

	var fallback bytes.Buffer
	s2 := newTestSession(t, Options{
		TaskID:        "t2",
		Results:       results,
		Clipboard:     &fakeClipboard{err: errors.New("no display")},
		ShareFallback: &fallback,
	})
	if _, err := s2.Share(); err != nil {
		t.Fatalf("Share fallback: %v", err)
	}
	if !strings.Contains(fallback.String(), "/api/download/t2?format=mp3") {
		t.Fatalf("expected link in fallback, got %q", fallback.String())
	}

	s3 := newTestSession(t, Options{TaskID: "t3", Results: results, Clipboard: &fakeClipboard{err: errors.New("x")}})
	if _, err := s3.Share(); !errors.Is(err, ErrClipboardUnavailable) {
		t.Fatalf("expected ErrClipboardUnavailable, got %v", err)
	}
}

func TestDownloadRequiresIdentity(t *testing.T) {
	results := &fakeResults{}
	prompted := 0
	s := newTestSession(t, Options{
		TaskID:         "t1",
		Results:        results,
		OnAuthRequired: func() { prompted++ },
	})
	var buf bytes.Buffer
	if _, err := s.Download(context.Background(), "wav", &buf); !errors.Is(err, auth.ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	if prompted != 1 || results.downloads != 0 {
		t.Fatalf("expected prompt and no download, got prompted=%d downloads=%d", prompted, results.downloads)
	}

	ctx := auth.WithIdentity(context.Background(), auth.Identity{UserID: "u1"})
	if _, err := s.Download(ctx, "wav", &buf); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if buf.String() != "t1.wav" || results.downloads != 1 {
		t.Fatalf("unexpected download %q", buf.String())
	}
	if DownloadName("t1", "wav") != "AtmosLofi_t1.wav" {
		t.Fatalf("unexpected name %s", DownloadName("t1", "wav"))
	}
}

func TestRenderWritesWAV(t *testing.T) {
	s := newTestSession(t, Options{})
	f, err := os.CreateTemp(t.TempDir(), "render-*.wav")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if err := s.Render(context.Background(), f); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	track, err := DecodeWAV(f)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if track.SampleRate != 1000 || track.Channels != 1 || track.Frames() != 100 {
		t.Fatalf("unexpected render %d Hz, %d ch, %d frames", track.SampleRate, track.Channels, track.Frames())
	}
	if s.Graph().State() != StateSuspended {
		t.Fatalf("render should not touch the live graph, got %s", s.Graph().State())
	}
}

func TestDecodeRejectsNonWAV(t *testing.T) {
	if _, err := DecodeWAV(bytes.NewReader([]byte("ID3 not a wav"))); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("expected ErrNotWAV, got %v", err)
	}
}
