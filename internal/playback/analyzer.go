package playback

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-dsp/dsp/window"
)

// Browser analyser defaults.
const (
	DefaultFFTSize   = 128
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0
)

// Analyzer keeps the latest FFTSize samples and reports smoothed byte
// magnitudes per bin, scaled between MinDB and MaxDB.
type Analyzer struct {
	mu        sync.Mutex
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	plan     *algofft.Plan[complex128]
	window   []float64
	ring     []float64
	write    int
	in       []complex128
	out      []complex128
	smoothed []float64
}

func NewAnalyzer(fftSize int) (*Analyzer, error) {
	if fftSize < 32 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("invalid analyzer fft size: %d", fftSize)
	}
	plan, err := algofft.NewPlan64(fftSize)
	if err != nil {
		return nil, fmt.Errorf("analyzer fft plan: %w", err)
	}
	return &Analyzer{
		size:      fftSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDB,
		maxDB:     DefaultMaxDB,
		plan:      plan,
		window:    window.Generate(window.TypeBlackman, fftSize),
		ring:      make([]float64, fftSize),
		in:        make([]complex128, fftSize),
		out:       make([]complex128, fftSize),
		smoothed:  make([]float64, fftSize/2),
	}, nil
}

// BinCount is half the FFT size.
func (a *Analyzer) BinCount() int { return a.size / 2 }

// Push appends samples to the time-domain window.
func (a *Analyzer) Push(samples ...float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.write] = s
		a.write = (a.write + 1) % a.size
	}
}

// ByteFrequencyData transforms the current window and fills dst with one
// byte per bin. dst is grown when too short.
func (a *Analyzer) ByteFrequencyData(dst []byte) []byte {
	bins := a.BinCount()
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	a.mu.Lock()
	defer a.mu.Unlock()
	read := a.write
	for i := 0; i < a.size; i++ {
		a.in[i] = complex(a.ring[read]*a.window[i], 0)
		read = (read + 1) % a.size
	}
	if err := a.plan.Forward(a.out, a.in); err != nil {
		for i := range dst {
			dst[i] = 0
		}
		return dst
	}

	scale := 255 / (a.maxDB - a.minDB)
	for k := 0; k < bins; k++ {
		mag := cmplx.Abs(a.out[k]) / float64(a.size)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		db := 20 * math.Log10(math.Max(1e-12, a.smoothed[k]))
		v := math.Floor(scale * (db - a.minDB))
		dst[k] = byte(math.Max(0, math.Min(255, v)))
	}
	return dst
}
