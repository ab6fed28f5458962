package playback

import (
	"fmt"
	"math"
	"time"
)

type Theme string

const (
	ThemeClassic   Theme = "classic"
	ThemeCyberpunk Theme = "cyberpunk"
	ThemeLateNight Theme = "late-night"
)

func ParseTheme(s string) (Theme, bool) {
	switch Theme(s) {
	case ThemeClassic, ThemeCyberpunk, ThemeLateNight:
		return Theme(s), true
	}
	return "", false
}

const (
	BarCount      = 64
	FrameRate     = 60
	minBarHeight  = 3.0
	barHeightFill = 0.92
	idleAlpha     = 0.25
)

type Color struct {
	R, G, B uint8
	A       float64
}

func (c Color) String() string {
	return fmt.Sprintf("rgba(%d,%d,%d,%s)", c.R, c.G, c.B, formatAlpha(c.A))
}

func formatAlpha(a float64) string {
	return fmt.Sprintf("%.3g", a)
}

type Bar struct {
	Value  float64 `json:"value"`
	Height float64 `json:"height"`
	Color  string  `json:"color"`
}

// Frame is one visualizer redraw.
type Frame struct {
	Seq     uint64        `json:"seq"`
	Playing bool          `json:"playing"`
	Theme   Theme         `json:"theme"`
	Height  float64       `json:"height"`
	At      time.Duration `json:"at"`
	Bars    []Bar         `json:"bars"`
}

// Renderer draws frames. It is called from the session loop goroutine.
type Renderer interface {
	Render(f Frame)
}

type RendererFunc func(Frame)

func (fn RendererFunc) Render(f Frame) { fn(f) }

// ComputeBars builds the bar list. Playing bars read analyzer bins; idle bars
// follow a slow sine so the display never goes flat. clock is wall time in ms.
func ComputeBars(data []byte, playing bool, clockMS float64, height float64, theme Theme) []Bar {
	step := len(data) / BarCount
	bars := make([]Bar, BarCount)
	for i := range bars {
		var v float64
		if playing {
			if idx := i * step; idx < len(data) {
				v = float64(data[idx])
			}
		} else {
			v = 14 + math.Sin(clockMS/600+float64(i)*0.4)*12
		}
		brightness := v / 255
		alpha := idleAlpha
		if playing {
			alpha = 0.4 + brightness*0.6
		}
		bars[i] = Bar{
			Value:  v,
			Height: math.Max(minBarHeight, brightness*height*barHeightFill),
			Color:  barColor(theme, i, brightness, alpha).String(),
		}
	}
	return bars
}

func barColor(theme Theme, i int, b, alpha float64) Color {
	switch theme {
	case ThemeCyberpunk:
		if i%2 == 0 {
			return Color{R: 34, G: 211, B: 238, A: alpha}
		}
		return Color{R: 244, G: 114, B: 182, A: alpha}
	case ThemeLateNight:
		return Color{R: 148, G: 163, B: 184, A: alpha}
	default:
		return Color{
			R: uint8(math.Round(99 + b*50)),
			G: uint8(math.Round(102 * (1 - b*0.3))),
			B: uint8(math.Round(241 - b*30)),
			A: alpha,
		}
	}
}
