package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrNotWAV = errors.New("source is not a PCM wav file")

// Track is a decoded source held as interleaved samples in [-1, 1].
type Track struct {
	URL        string
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    []float64
}

// Frames is the number of sample frames.
func (t *Track) Frames() int {
	if t.Channels == 0 {
		return 0
	}
	return len(t.Samples) / t.Channels
}

func (t *Track) Duration() time.Duration {
	if t.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(t.Frames()) / float64(t.SampleRate) * float64(time.Second))
}

// DecodeWAV reads a whole PCM wav stream.
func DecodeWAV(r io.ReadSeeker) (*Track, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, ErrNotWAV
	}
	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = buf.SourceBitDepth
	}
	if depth == 0 {
		depth = 16
	}
	full := float64(int64(1) << (depth - 1))
	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float64(v) / full
	}
	return &Track{
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		BitDepth:   depth,
		Samples:    samples,
	}, nil
}

// EncodeWAV writes samples as 16-bit PCM.
func EncodeWAV(w io.WriteSeeker, sampleRate, channels int, samples []float64) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(s * 32767)
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish wav: %w", err)
	}
	return nil
}

// Opener fetches a source URL. *backend.Client satisfies it.
type Opener interface {
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// CacheBust adds a t=<unix millis> parameter so a re-rendered result with
// the same URL is fetched again.
func CacheBust(rawURL string, now time.Time) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	q := u.Query()
	q.Set("t", strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Load fetches and decodes a wav source.
func Load(ctx context.Context, o Opener, rawURL string) (*Track, error) {
	busted, err := CacheBust(rawURL, time.Now())
	if err != nil {
		return nil, err
	}
	rc, err := o.Open(ctx, busted)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	t, err := DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	t.URL = rawURL
	return t, nil
}
