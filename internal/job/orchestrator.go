package job

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"atmoslofi/internal/backend"
	"atmoslofi/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Backend is the part of the conversion service the orchestrator drives.
type Backend interface {
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
	Process(ctx context.Context, req backend.ProcessRequest) (string, error)
	Status(ctx context.Context, taskID string) (backend.TaskStatus, error)
	SubmitLink(ctx context.Context, link string) (string, error)
	LinkStatus(ctx context.Context, linkTaskID string) (backend.LinkStatus, error)
	DownloadURL(taskID, format string) (string, error)
}

// Notifier receives a snapshot after every job change.
type Notifier interface {
	Publish(j Job)
}

// HistoryRecorder stores a completed conversion for the submitting user.
type HistoryRecorder interface {
	Record(ctx context.Context, userID string, entry store.HistoryEntry) error
}

// Orchestrator owns the conversion queue and runs it one job at a time.
type Orchestrator struct {
	mu       sync.RWMutex
	jobs     []*Job
	backend  Backend
	notifier Notifier
	history  HistoryRecorder
	opts     Options

	running bool
	cancel  context.CancelFunc
	runWG   sync.WaitGroup
	linkWG  sync.WaitGroup
}

func New(b Backend, opts Options) *Orchestrator {
	return &Orchestrator{
		jobs:    make([]*Job, 0, MaxQueueSize),
		backend: b,
		opts:    opts.withDefaults(),
	}
}

// UseNotifier sets the update sink. Intended for setup before any run.
func (o *Orchestrator) UseNotifier(n Notifier) {
	o.mu.Lock()
	o.notifier = n
	o.mu.Unlock()
}

// UseHistory sets where completed jobs are recorded. Intended for setup before any run.
func (o *Orchestrator) UseHistory(h HistoryRecorder) {
	o.mu.Lock()
	o.history = h
	o.mu.Unlock()
}

// Enqueue validates and appends sources in order. The queue never grows past
// MaxQueueSize; valid sources beyond the cap are dropped without error.
// Rejected sources are reported together in the returned error.
func (o *Orchestrator) Enqueue(sources ...Source) ([]Job, error) {
	var rejected []error
	accepted := make([]*Job, 0, len(sources))
	for _, src := range sources {
		info, err := inspect(src, o.opts.MaxSourceBytes)
		if err != nil {
			log.Warn().Str("source", src.Name).Err(err).Msg("source rejected")
			rejected = append(rejected, err)
			continue
		}
		src.MIME = info.mime
		j := newJob(src)
		j.Title, j.Artist = info.title, info.artist
		accepted = append(accepted, j)
	}

	added := o.appendCapped(accepted)
	if dropped := len(accepted) - len(added); dropped > 0 {
		log.Info().Int("dropped", dropped).Msg("queue cap reached, extra sources dropped")
	}
	return added, errors.Join(rejected...)
}

func newJob(src Source) *Job {
	return &Job{
		ID:           uuid.NewString(),
		Name:         src.Name,
		Size:         src.Size,
		MIME:         src.MIME,
		Status:       StatusQueued,
		RemoteFileID: src.remoteFileID,
		CreatedAt:    time.Now().UTC(),
		source:       src,
	}
}

func (o *Orchestrator) appendCapped(jobs []*Job) []Job {
	o.mu.Lock()
	room := MaxQueueSize - len(o.jobs)
	if room < 0 {
		room = 0
	}
	if len(jobs) > room {
		jobs = jobs[:room]
	}
	o.jobs = append(o.jobs, jobs...)
	out := make([]Job, len(jobs))
	for i, j := range jobs {
		out[i] = *j
	}
	o.mu.Unlock()

	for _, j := range out {
		log.Info().Str("job_id", j.ID).Str("name", j.Name).Msg("job queued")
		o.publish(j)
	}
	return out
}

// Jobs returns a snapshot of the queue in order.
func (o *Orchestrator) Jobs() []Job {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Job, len(o.jobs))
	for i, j := range o.jobs {
		out[i] = *j
	}
	return out
}

// Job returns a snapshot of one job.
func (o *Orchestrator) Job(id string) (Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if j := o.find(id); j != nil {
		return *j, true
	}
	return Job{}, false
}

// Pending counts jobs a run would pick up.
func (o *Orchestrator) Pending() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, j := range o.jobs {
		if j.Status.Eligible() {
			n++
		}
	}
	return n
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Remove drops one job from the queue.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrRunning
	}
	for i, j := range o.jobs {
		if j.ID == id {
			o.jobs = append(o.jobs[:i], o.jobs[i+1:]...)
			return nil
		}
	}
	return ErrJobNotFound
}

// ClearCompleted drops every done job and returns how many were removed.
func (o *Orchestrator) ClearCompleted() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return 0, ErrRunning
	}
	kept := o.jobs[:0]
	removed := 0
	for _, j := range o.jobs {
		if j.Status == StatusDone {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(o.jobs); i++ {
		o.jobs[i] = nil
	}
	o.jobs = kept
	return removed, nil
}

// ResultURL is the download link of a finished job.
func (o *Orchestrator) ResultURL(id, format string) (string, error) {
	j, ok := o.Job(id)
	if !ok {
		return "", ErrJobNotFound
	}
	if j.Status != StatusDone || j.RemoteTaskID == "" {
		return "", ErrNotDone
	}
	return o.backend.DownloadURL(j.RemoteTaskID, format) //nolint:wrapcheck
}

// Cancel raises the cancellation token of the active run. It reports whether a run was active.
func (o *Orchestrator) Cancel() bool {
	o.mu.RLock()
	cancel := o.cancel
	o.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// WaitAll blocks until the active run and link fetches finish or ctx is done.
// Returns true if everything finished.
func (o *Orchestrator) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		o.runWG.Wait()
		o.linkWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) find(id string) *Job {
	for _, j := range o.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// update applies fn to the live job under the lock and publishes the result.
func (o *Orchestrator) update(id string, fn func(j *Job)) (Job, bool) {
	o.mu.Lock()
	j := o.find(id)
	if j == nil {
		o.mu.Unlock()
		return Job{}, false
	}
	fn(j)
	snapshot := *j
	o.mu.Unlock()
	o.publish(snapshot)
	return snapshot, true
}

func (o *Orchestrator) publish(j Job) {
	o.mu.RLock()
	n := o.notifier
	o.mu.RUnlock()
	if n != nil {
		n.Publish(j)
	}
}
