package mix

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Bounds of every continuous control, matching the studio sliders.
const (
	MinVocalVol      = 0.0
	MaxVocalVol      = 2.0
	MinTrackVol      = 0.0
	MaxTrackVol      = 2.0
	MinAmbientVol    = 0.0
	MaxAmbientVol    = 1.0
	MinReverbAmount  = 0.0
	MaxReverbAmount  = 1.0
	MinPlaybackSpeed = 0.5
	MaxPlaybackSpeed = 1.5

	maxPresetNameRunes = 24
	customIDPrefix     = "custom-"
)

var ErrEmptyPresetName = errors.New("preset name is empty")

// Parameters is the snapshot of mix controls sent with a conversion.
type Parameters struct {
	VocalVol      float64 `json:"vocal_vol" yaml:"vocal_vol"`
	TrackVol      float64 `json:"track_vol" yaml:"track_vol"`
	AmbientVol    float64 `json:"ambient_vol" yaml:"ambient_vol"`
	ReverbAmount  float64 `json:"reverb_amount" yaml:"reverb_amount"`
	PlaybackSpeed float64 `json:"playback_speed" yaml:"playback_speed"`
	CopyrightFree bool    `json:"copyright_free" yaml:"copyright_free"`
}

// Default returns the studio's initial slider positions.
func Default() Parameters {
	return Parameters{
		VocalVol:      0.8,
		TrackVol:      1.0,
		AmbientVol:    0.4,
		ReverbAmount:  0.5,
		PlaybackSpeed: 0.9,
	}
}

// Clamp returns a copy with every control forced into its bounds.
func (p Parameters) Clamp() Parameters {
	p.VocalVol = clamp(p.VocalVol, MinVocalVol, MaxVocalVol)
	p.TrackVol = clamp(p.TrackVol, MinTrackVol, MaxTrackVol)
	p.AmbientVol = clamp(p.AmbientVol, MinAmbientVol, MaxAmbientVol)
	p.ReverbAmount = clamp(p.ReverbAmount, MinReverbAmount, MaxReverbAmount)
	p.PlaybackSpeed = clamp(p.PlaybackSpeed, MinPlaybackSpeed, MaxPlaybackSpeed)
	return p
}

// Form renders the parameters as the backend's form fields.
func (p Parameters) Form() map[string]string {
	return map[string]string{
		"vocal_vol":      formatFloat(p.VocalVol),
		"track_vol":      formatFloat(p.TrackVol),
		"ambient_vol":    formatFloat(p.AmbientVol),
		"reverb_amount":  formatFloat(p.ReverbAmount),
		"playback_speed": formatFloat(p.PlaybackSpeed),
		"copyright_free": strconv.FormatBool(p.CopyrightFree),
	}
}

// CustomPreset is a user-saved named snapshot of the continuous controls.
type CustomPreset struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	VocalVol      float64   `json:"vocalVol"`
	TrackVol      float64   `json:"trackVol"`
	AmbientVol    float64   `json:"ambientVol"`
	ReverbAmount  float64   `json:"reverbAmount"`
	PlaybackSpeed float64   `json:"playbackSpeed"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

// NewCustomPreset validates the name and captures the current mix.
func NewCustomPreset(name string, p Parameters) (CustomPreset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return CustomPreset{}, ErrEmptyPresetName
	}
	if utf8.RuneCountInString(name) > maxPresetNameRunes {
		name = string([]rune(name)[:maxPresetNameRunes])
	}
	p = p.Clamp()
	return CustomPreset{
		ID:            customIDPrefix + uuid.NewString(),
		Name:          name,
		VocalVol:      p.VocalVol,
		TrackVol:      p.TrackVol,
		AmbientVol:    p.AmbientVol,
		ReverbAmount:  p.ReverbAmount,
		PlaybackSpeed: p.PlaybackSpeed,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Parameters applies the preset on top of the caller's copyright flag.
func (c CustomPreset) Parameters(copyrightFree bool) Parameters {
	return Parameters{
		VocalVol:      c.VocalVol,
		TrackVol:      c.TrackVol,
		AmbientVol:    c.AmbientVol,
		ReverbAmount:  c.ReverbAmount,
		PlaybackSpeed: c.PlaybackSpeed,
		CopyrightFree: copyrightFree,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
