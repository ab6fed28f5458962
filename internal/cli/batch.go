// Package cli runs a conversion batch from the terminal and saves the results.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"atmoslofi/internal/archive"
	"atmoslofi/internal/auth"
	"atmoslofi/internal/backend"
	fileutil "atmoslofi/internal/file"
	"atmoslofi/internal/job"
	"atmoslofi/internal/mix"
	"atmoslofi/internal/progress"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// ZipName is the archive written when Options.Zip is set.
const ZipName = "AtmosLofi_results.zip"

var ErrNothingToConvert = errors.New("nothing to convert")

type Options struct {
	Files  []string
	Links  []string
	Preset string
	Mix    mix.Parameters
	Format string
	OutDir string
	// Zip bundles all results into one archive instead of separate files.
	Zip    bool
	UserID string
	// Progress receives the progress bar. Defaults to os.Stderr.
	Progress io.Writer
}

// Report is what a batch produced.
type Report struct {
	Summary job.RunSummary
	Saved   []string
	Failed  []job.Job
}

type Runner struct {
	jobs    *job.Orchestrator
	hub     *progress.Hub
	results archive.Fetcher
}

func NewRunner(jobs *job.Orchestrator, hub *progress.Hub, results archive.Fetcher) *Runner {
	return &Runner{jobs: jobs, hub: hub, results: results}
}

// Run queues the inputs, converts them and writes the finished results to
// opts.OutDir. Rejected inputs are logged and skipped.
func (r *Runner) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Format == "" {
		opts.Format = "mp3"
	}
	if !backend.ValidFormat(opts.Format) {
		return Report{}, fmt.Errorf("%w: %s", backend.ErrUnsupportedFormat, opts.Format)
	}
	if opts.Preset == "" {
		opts.Preset = mix.AutoPreset
	}
	if _, ok := mix.LookupPreset(opts.Preset); !ok {
		return Report{}, fmt.Errorf("unknown preset %q", opts.Preset)
	}
	if opts.Mix == (mix.Parameters{}) {
		opts.Mix = mix.Default()
	}
	if opts.Mix.CopyrightFree {
		if err := auth.Require(auth.Identity{UserID: opts.UserID}); err != nil {
			return Report{}, err //nolint:wrapcheck
		}
	}
	if opts.OutDir == "" {
		opts.OutDir = "."
	}
	if err := fileutil.EnsureDir(opts.OutDir); err != nil {
		return Report{}, fmt.Errorf("output dir: %w", err)
	}

	r.enqueue(ctx, opts)
	pending := r.jobs.Pending()
	if pending == 0 {
		return Report{}, ErrNothingToConvert
	}

	out := opts.Progress
	if out == nil {
		out = os.Stderr
	}
	stop := r.track(out, pending)
	summary, err := r.jobs.SubmitAll(ctx, job.Submission{Preset: opts.Preset, Mix: opts.Mix.Clamp(), UserID: opts.UserID})
	stop()
	if err != nil {
		return Report{}, fmt.Errorf("run: %w", err)
	}

	rep := Report{Summary: summary}
	var items []archive.Item
	for _, j := range r.jobs.Jobs() {
		switch j.Status {
		case job.StatusDone:
			items = append(items, archive.Item{TaskID: j.RemoteTaskID, Name: j.Name})
		case job.StatusError:
			rep.Failed = append(rep.Failed, j)
		}
	}
	if len(items) == 0 {
		return rep, nil
	}

	saved, err := r.save(ctx, opts, items)
	rep.Saved = saved
	return rep, err
}

func (r *Runner) enqueue(ctx context.Context, opts Options) {
	sources := make([]job.Source, 0, len(opts.Files))
	for _, p := range opts.Files {
		src, err := job.FileSource(p)
		if err != nil {
			log.Warn().Str("path", p).Err(err).Msg("skipping input")
			continue
		}
		sources = append(sources, src)
	}
	if len(sources) > 0 {
		if _, err := r.jobs.Enqueue(sources...); err != nil {
			log.Warn().Err(err).Msg("some inputs were rejected")
		}
	}
	for _, link := range opts.Links {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		j, err := r.jobs.FetchLink(ctx, link)
		if err != nil {
			log.Warn().Str("link", link).Err(err).Msg("link fetch failed")
			continue
		}
		log.Info().Str("link", link).Str("name", j.Name).Msg("link queued")
	}
}

// track drives a progress bar from hub updates until the returned func is called.
func (r *Runner) track(out io.Writer, jobs int) func() {
	bar := progressbar.NewOptions(jobs*100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("converting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
	)
	if r.hub == nil {
		return func() { _ = bar.Finish() }
	}
	sub := r.hub.Subscribe(progress.AllJobs)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		seen := map[string]float64{}
		for {
			select {
			case <-done:
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				p := msg.Job.Progress
				if msg.Job.Status == job.StatusDone || msg.Job.Status == job.StatusError {
					p = 100
				}
				seen[msg.JobID] = p
				total := 0.0
				for _, v := range seen {
					total += v
				}
				bar.Describe(msg.Job.Name)
				_ = bar.Set(min(int(total), jobs*100))
			}
		}
	}()
	return func() {
		close(done)
		sub.Close()
		wg.Wait()
		_ = bar.Finish()
		_, _ = fmt.Fprintln(out)
	}
}

func (r *Runner) save(ctx context.Context, opts Options, items []archive.Item) ([]string, error) {
	if opts.Zip {
		dest := filepath.Join(opts.OutDir, ZipName)
		results, err := archive.BuildArchive(ctx, r.results, dest, opts.Format, items)
		if err != nil {
			return nil, fmt.Errorf("build archive: %w", err)
		}
		for _, res := range results {
			if res.Err != "" {
				log.Warn().Str("task_id", res.TaskID).Str("error", res.Err).Msg("result missing from archive")
			}
		}
		return []string{dest}, nil
	}

	var (
		saved []string
		errs  []error
	)
	for i, it := range items {
		dest := filepath.Join(opts.OutDir, archive.Filename(it.Name, opts.Format, i))
		w := fileutil.NewWriter(dest)
		if _, err := r.results.Download(ctx, it.TaskID, opts.Format, w); err != nil {
			log.Warn().Str("task_id", it.TaskID).Err(err).Msg("download failed")
			errs = append(errs, fmt.Errorf("%s: %w", it.Name, err))
			continue
		}
		if err := w.Commit(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.Name, err))
			continue
		}
		log.Info().Str("file", dest).Msg("saved")
		saved = append(saved, dest)
	}
	return saved, errors.Join(errs...)
}
