package playback

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

type GraphState string

const (
	StateSuspended GraphState = "suspended"
	StateRunning   GraphState = "running"
	StateClosed    GraphState = "closed"
)

var (
	ErrGraphClosed     = errors.New("audio graph is closed")
	ErrProfileMismatch = errors.New("profile band count does not match graph")
)

// Sink receives processed interleaved samples in [-1, 1].
type Sink interface {
	Write(samples []float64, channels int) error
}

// NullSink discards audio and counts frames.
type NullSink struct {
	mu     sync.Mutex
	frames int64
}

func (n *NullSink) Write(samples []float64, channels int) error {
	if channels <= 0 {
		channels = 1
	}
	n.mu.Lock()
	n.frames += int64(len(samples) / channels)
	n.mu.Unlock()
	return nil
}

func (n *NullSink) Frames() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frames
}

// retuneFade is how long a retuned stage blends from its old filters into
// the new ones. The new sections start with empty delay lines, so switching
// outright would click.
const retuneFade = 0.02

// Stage is one biquad filter node. Retuning replaces its coefficients but
// the node itself stays in place for the graph's lifetime.
type Stage struct {
	mu         sync.Mutex
	band       Band
	sampleRate float64
	sections   []*biquad.Section
	// fading holds the sections a retune replaced; they keep running until
	// fadeLeft reaches zero.
	fading   []*biquad.Section
	fadeLen  int
	fadeLeft []int
}

func newStage(b Band, sampleRate float64, channels int) *Stage {
	s := &Stage{
		sampleRate: sampleRate,
		sections:   make([]*biquad.Section, channels),
		fading:     make([]*biquad.Section, channels),
		fadeLen:    max(1, int(sampleRate*retuneFade)),
		fadeLeft:   make([]int, channels),
	}
	s.tune(b)
	return s
}

func (s *Stage) tune(b Band) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.band = b
	for ch := range s.sections {
		if old := s.sections[ch]; old != nil {
			if s.fadeLeft[ch] == 0 {
				s.fading[ch] = old
			}
			// mid-fade the older sections are still what is mostly heard
			s.fadeLeft[ch] = s.fadeLen
		}
		s.sections[ch] = newSection(b, s.sampleRate)
	}
}
// Band returns the stage's current settings.
func (s *Stage) Band() Band {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.band
}

func (s *Stage) process(ch int, x float64) float64 {
	y := s.sections[ch].ProcessSample(x)
	left := s.fadeLeft[ch]
	if left == 0 {
		return y
	}
	w := float64(left) / float64(s.fadeLen)
	y = w*s.fading[ch].ProcessSample(x) + (1-w)*y
	if left == 1 {
		s.fading[ch] = nil
	}
	s.fadeLeft[ch] = left - 1
	return y
}

func (s *Stage) response(freq float64) complex128 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sections[0].Response(freq, s.sampleRate)
}

// Graph is the playback context: source -> stages -> analyzer -> sink.
// A new graph starts suspended.
type Graph struct {
	mu         sync.Mutex
	state      GraphState
	sampleRate float64
	channels   int
	stages     []*Stage
	analyzer   *Analyzer
	sink       Sink
	mono       []float64
}

func NewGraph(sampleRate float64, channels int, profile Profile, sink Sink) (*Graph, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid graph format: %v Hz, %d channels", sampleRate, channels)
	}
	analyzer, err := NewAnalyzer(DefaultFFTSize)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = &NullSink{}
	}
	g := &Graph{
		state:      StateSuspended,
		sampleRate: sampleRate,
		channels:   channels,
		analyzer:   analyzer,
		sink:       sink,
	}
	for _, b := range profile {
		g.stages = append(g.stages, newStage(b, sampleRate, channels))
	}
	return g, nil
}

// Stages returns the filter nodes in chain order.
func (g *Graph) Stages() []*Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Stage, len(g.stages))
	copy(out, g.stages)
	return out
}

func (g *Graph) Analyzer() *Analyzer { return g.analyzer }

func (g *Graph) State() GraphState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Graph) Resume() error { return g.setState(StateRunning) }

func (g *Graph) Suspend() error { return g.setState(StateSuspended) }

// Close is final; later calls are no-ops.
func (g *Graph) Close() {
	g.mu.Lock()
	g.state = StateClosed
	g.mu.Unlock()
}

func (g *Graph) setState(s GraphState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateClosed {
		return ErrGraphClosed
	}
	g.state = s
	return nil
}

// Retune applies a profile to the existing stages in place.
func (g *Graph) Retune(p Profile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateClosed {
		return ErrGraphClosed
	}
	if len(p) != len(g.stages) {
		return ErrProfileMismatch
	}
	for i, b := range p {
		g.stages[i].tune(b)
	}
	return nil
}

// Process runs interleaved samples through the chain in place, feeds the
// analyzer and writes the block scaled by gain to the sink. Nothing is
// processed unless the graph is running.
func (g *Graph) Process(block []float64, gain float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateClosed:
		return ErrGraphClosed
	case StateSuspended:
		return nil
	}

	frames := len(block) / g.channels
	if cap(g.mono) < frames {
		g.mono = make([]float64, frames)
	}
	mono := g.mono[:frames]
	for _, st := range g.stages {
		st.mu.Lock()
	}
	for f := 0; f < frames; f++ {
		sum := 0.0
		for ch := 0; ch < g.channels; ch++ {
			i := f*g.channels + ch
			x := block[i]
			for _, st := range g.stages {
				x = st.process(ch, x)
			}
			block[i] = x
			sum += x
		}
		mono[f] = sum / float64(g.channels)
	}
	for _, st := range g.stages {
		st.mu.Unlock()
	}

	g.analyzer.Push(mono...)
	for i := range block {
		block[i] *= gain
	}
	return g.sink.Write(block, g.channels) //nolint:wrapcheck
}

// ResponseDB returns the chain's magnitude response in dB at freqs.
func (g *Graph) ResponseDB(freqs []float64) []float64 {
	stages := g.Stages()
	out := make([]float64, len(freqs))
	for i, f := range freqs {
		f = math.Max(1, math.Min(f, g.sampleRate*0.49))
		h := complex(1, 0)
		for _, st := range stages {
			h *= st.response(f)
		}
		out[i] = 20 * math.Log10(math.Max(1e-12, cmplx.Abs(h)))
	}
	return out
}
