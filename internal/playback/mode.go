package playback

import (
	"context"
	"regexp"
	"sync"

	"atmoslofi/internal/store"

	"github.com/rs/zerolog/log"
)

type OutputMode string

const (
	ModeHeadphones OutputMode = "headphones"
	ModeSpeakers   OutputMode = "speakers"
)

func ParseMode(s string) (OutputMode, bool) {
	switch OutputMode(s) {
	case ModeHeadphones, ModeSpeakers:
		return OutputMode(s), true
	}
	return "", false
}

var headphonePattern = regexp.MustCompile(`(?i)headphone|headset|earphone|earbuds|airpod|wired|in-ear|bluetooth`)

const KindAudioOutput = "audiooutput"

// Device is one entry of the host's media device list.
type Device struct {
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

// DeviceSource enumerates devices and reports when the list changes.
type DeviceSource interface {
	Devices(ctx context.Context) ([]Device, error)
	// OnChange registers fn and returns a func that removes it.
	OnChange(fn func()) (cancel func())
}

// Settings is the device-scoped key/value store holding the user's choice.
type Settings interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// DetectMode picks headphones when any output device label looks like one.
func DetectMode(devices []Device) OutputMode {
	for _, d := range devices {
		if d.Kind != KindAudioOutput {
			continue
		}
		if headphonePattern.MatchString(d.Label) {
			return ModeHeadphones
		}
	}
	return ModeSpeakers
}

// ResolveMode prefers a persisted choice, then detection, then speakers.
func ResolveMode(ctx context.Context, settings Settings, devices DeviceSource) OutputMode {
	if settings != nil {
		saved, found, err := settings.Get(store.OutputModeKey)
		if err != nil {
			log.Warn().Err(err).Msg("read output mode failed")
			return ModeSpeakers
		}
		if mode, ok := ParseMode(saved); found && ok {
			return mode
		}
	}
	if devices == nil {
		return ModeSpeakers
	}
	list, err := devices.Devices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("enumerate devices failed")
		return ModeSpeakers
	}
	return DetectMode(list)
}

// StaticDevices is a DeviceSource fed by whoever knows the device list,
// such as a client reporting it over the studio API.
type StaticDevices struct {
	mu        sync.Mutex
	devices   []Device
	listeners map[int]func()
	nextID    int
}

func NewStaticDevices(devices ...Device) *StaticDevices {
	return &StaticDevices{devices: devices, listeners: map[int]func(){}}
}

func (s *StaticDevices) Devices(context.Context) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

// Set replaces the list and notifies listeners.
func (s *StaticDevices) Set(devices []Device) {
	s.mu.Lock()
	s.devices = append([]Device(nil), devices...)
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *StaticDevices) OnChange(fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Listeners reports how many change callbacks are registered.
func (s *StaticDevices) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
