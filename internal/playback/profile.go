package playback

import "math"

type FilterType string

const (
	LowShelf  FilterType = "lowshelf"
	Peaking   FilterType = "peaking"
	HighShelf FilterType = "highshelf"
)

// Band is one EQ filter. Gain is in dB; a zero Q uses the type's default.
type Band struct {
	Type FilterType `json:"type"`
	Freq float64    `json:"freq"`
	Gain float64    `json:"gain"`
	Q    float64    `json:"q,omitempty"`
}

// Profile is the ordered band list applied for an output mode.
type Profile []Band

var (
	headphonesProfile = Profile{
		{Type: LowShelf, Freq: 80, Gain: 3.5},
		{Type: Peaking, Freq: 250, Gain: 1.5},
		{Type: Peaking, Freq: 3000, Gain: 2.0},
		{Type: HighShelf, Freq: 9000, Gain: -1.5},
	}
	speakersProfile = Profile{
		{Type: LowShelf, Freq: 120, Gain: -2.0},
		{Type: Peaking, Freq: 500, Gain: 1.0},
		{Type: Peaking, Freq: 2000, Gain: 1.5},
		{Type: HighShelf, Freq: 8000, Gain: 1.0},
	}
)

// ProfileFor returns a copy of the EQ profile for mode.
func ProfileFor(mode OutputMode) Profile {
	src := speakersProfile
	if mode == ModeHeadphones {
		src = headphonesProfile
	}
	out := make(Profile, len(src))
	copy(out, src)
	return out
}

func (b Band) q() float64 {
	if b.Q > 0 {
		return b.Q
	}
	if b.Type == Peaking {
		return 1.0
	}
	return 1 / math.Sqrt2
}
