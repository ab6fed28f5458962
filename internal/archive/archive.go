package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	fileutil "atmoslofi/internal/file"

	"github.com/rs/zerolog/log"
)

var ErrNoItems = errors.New("no finished results to archive")

// Fetcher streams one converted result. *backend.Client satisfies it.
type Fetcher interface {
	Download(ctx context.Context, taskID, format string, w io.Writer) (int64, error)
}

// Item is one finished conversion to include.
type Item struct {
	TaskID string
	Name   string
}

// Result describes the outcome of fetching a single item into the zip.
type Result struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
	Err      string `json:"error,omitempty"`
}

const defaultItemTimeout = 2 * time.Minute

type ctxKey int

const (
	ctxKeyItemTimeout ctxKey = iota
)

// WithItemTimeout returns a child context that carries the per-result download timeout
func WithItemTimeout(parent context.Context, timeout time.Duration) context.Context {
	return context.WithValue(parent, ctxKeyItemTimeout, timeout)
}

func itemTimeoutFromContext(ctx context.Context) time.Duration {
	v := ctx.Value(ctxKeyItemTimeout)
	if d, ok := v.(time.Duration); ok && d > 0 {
		return d
	}
	return defaultItemTimeout
}

// BuildArchive writes the zip to destZipPath atomically.
func BuildArchive(ctx context.Context, f Fetcher, destZipPath, format string, items []Item) ([]Result, error) {
	w := fileutil.NewWriter(destZipPath)
	results, err := Write(ctx, f, w, format, items)
	if err != nil {
		return results, err
	}
	if err := w.Commit(); err != nil {
		return results, fmt.Errorf("commit archive: %w", err)
	}
	return results, nil
}

// Write fetches every item in format and streams them as zip entries to w.
// It returns one Result per item; failed items are left out of the zip.
func Write(ctx context.Context, f Fetcher, w io.Writer, format string, items []Item) ([]Result, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	zipWriter := zip.NewWriter(w)
	seen := make(map[string]int, len(items))
	results := make([]Result, len(items))
	for i, it := range items {
		name := uniqueName(seen, deriveFilename(it.Name, format, i))
		results[i] = processItem(ctx, f, zipWriter, it, name, format)
	}

	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return results, fmt.Errorf("close zip writer: %w", err)
	}
	return results, nil
}

func processItem(ctx context.Context, f Fetcher, zipWriter *zip.Writer, it Item, filename, format string) Result {
	result := Result{TaskID: it.TaskID, Filename: filename}

	ctx, cancel := context.WithTimeout(ctx, itemTimeoutFromContext(ctx))
	defer cancel()

	// buffered so a failed fetch leaves no partial entry behind
	var buf bytes.Buffer
	if _, err := f.Download(ctx, it.TaskID, format, &buf); err != nil {
		result.Err = err.Error()
		log.Warn().Str("task_id", it.TaskID).Err(err).Msg("result download failed")
		return result
	}

	entry, err := zipWriter.Create(filename)
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("task_id", it.TaskID).Err(err).Msg("zip entry create failed")
		return result
	}
	if _, err := entry.Write(buf.Bytes()); err != nil {
		result.Err = err.Error()
		log.Warn().Str("task_id", it.TaskID).Err(err).Msg("copy into zip failed")
		return result
	}
	return result
}

// Filename is the name a converted source is saved under.
func Filename(name, format string, index int) string { return deriveFilename(name, format, index) }

// deriveFilename names an entry after the source title, falling back to its index
func deriveFilename(name, format string, index int) string {
	base := strings.TrimSpace(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		base = fmt.Sprintf("track-%d", index+1)
	}
	return fmt.Sprintf("AtmosLofi_%s.%s", base, format)
}

func uniqueName(seen map[string]int, name string) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n+1, ext)
}
