package cli

import (
	"flag"

	"atmoslofi/internal/mix"
)

// MixFlags registers the mix controls on fs. The returned func reads the
// parsed values, clamped into range.
func MixFlags(fs *flag.FlagSet) func() mix.Parameters {
	p := mix.Default()
	fs.Float64Var(&p.VocalVol, "vocal", p.VocalVol, "Vocal volume, 0 to 2")
	fs.Float64Var(&p.TrackVol, "track", p.TrackVol, "Instrumental volume, 0 to 2")
	fs.Float64Var(&p.AmbientVol, "ambient", p.AmbientVol, "Ambience volume, 0 to 1")
	fs.Float64Var(&p.ReverbAmount, "reverb", p.ReverbAmount, "Reverb amount, 0 to 1")
	fs.Float64Var(&p.PlaybackSpeed, "speed", p.PlaybackSpeed, "Playback speed, 0.5 to 1.5")
	fs.BoolVar(&p.CopyrightFree, "copyright-free", p.CopyrightFree, "Replace the instrumental with copyright-free music (needs -user)")
	return func() mix.Parameters { return p.Clamp() }
}
