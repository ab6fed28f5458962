package job

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"atmoslofi/internal/backend"
	"atmoslofi/internal/store"

	"github.com/rs/zerolog/log"
)

// SubmitAll runs every eligible job, snapshotted at call time, strictly one
// after another in queue order. It blocks until the run ends. Cancel stops the
// run at the next job boundary or poll tick; in-flight calls use ctx and are
// not interrupted by Cancel.
func (o *Orchestrator) SubmitAll(ctx context.Context, sub Submission) (RunSummary, error) {
	r, err := o.Reserve(ctx, sub)
	if err != nil {
		return RunSummary{}, err
	}
	return r.Execute(), nil
}

// Run is a claimed run slot with its job snapshot. Execute must be called
// exactly once to process the jobs and release the slot.
type Run struct {
	o      *Orchestrator
	ctx    context.Context
	token  context.Context
	cancel context.CancelFunc
	ids    []string
	sub    Submission
}

// Reserve claims the run slot and snapshots the eligible jobs without doing
// any work, so callers can report acceptance before the run starts.
func (o *Orchestrator) Reserve(ctx context.Context, sub Submission) (*Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil, ErrAlreadyRunning
	}
	token, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	ids := make([]string, 0, len(o.jobs))
	for _, j := range o.jobs {
		if j.Status.Eligible() {
			ids = append(ids, j.ID)
		}
	}
	o.runWG.Add(1)
	sub.Mix = sub.Mix.Clamp()
	return &Run{o: o, ctx: ctx, token: token, cancel: cancel, ids: ids, sub: sub}, nil
}

// Len is the number of jobs the run will process.
func (r *Run) Len() int { return len(r.ids) }

func (r *Run) Execute() RunSummary {
	o := r.o
	defer func() {
		r.cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
		o.runWG.Done()
	}()

	log.Info().Int("jobs", len(r.ids)).Str("preset", r.sub.Preset).Msg("run started")

	var summary RunSummary
	for i, id := range r.ids {
		if r.token.Err() != nil {
			summary.Cancelled = true
			summary.Skipped = len(r.ids) - i
			log.Info().Int("skipped", summary.Skipped).Msg("run cancelled")
			break
		}
		if o.processOne(r.ctx, r.token, id, r.sub) {
			summary.Done++
		} else {
			summary.Failed++
		}
	}
	log.Info().Int("done", summary.Done).Int("failed", summary.Failed).Msg("run finished")
	return summary
}

// processOne drives a single job through upload, submit and poll.
func (o *Orchestrator) processOne(ctx, token context.Context, id string, sub Submission) bool {
	now := time.Now().UTC()
	started, ok := o.update(id, func(j *Job) {
		j.Status = StatusUploading
		j.Progress = 0
		j.Error = ""
		j.RemoteTaskID = ""
		j.Mood = ""
		j.Preset = sub.Preset
		j.StartedAt = now
		j.CompletedAt = time.Time{}
	})
	if !ok {
		return false
	}

	fileID := started.RemoteFileID
	if fileID == "" {
		var err error
		fileID, err = o.upload(ctx, started.source)
		if err != nil {
			o.fail(id, MsgUploadFailed, err)
			return false
		}
	}
	o.update(id, func(j *Job) {
		j.RemoteFileID = fileID
		j.Status = StatusProcessing
		j.Progress = math.Max(j.Progress, progressStart)
	})

	taskID, err := o.backend.Process(ctx, backend.ProcessRequest{
		FileID: fileID,
		Preset: sub.Preset,
		Mix:    sub.Mix,
		UserID: sub.UserID,
	})
	if err != nil {
		o.fail(id, MsgProcessingFailed, err)
		return false
	}
	o.update(id, func(j *Job) { j.RemoteTaskID = taskID })
	log.Info().Str("job_id", id).Str("task_id", taskID).Msg("conversion submitted")

	return o.poll(ctx, token, id, taskID, sub)
}

func (o *Orchestrator) upload(ctx context.Context, src Source) (string, error) {
	rc, err := src.Open()
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = rc.Close() }()
	return o.backend.Upload(ctx, src.Name, rc) //nolint:wrapcheck
}

// poll queries the task on every tick until a terminal state. Requests never
// overlap: the next tick is only read after the previous response.
func (o *Orchestrator) poll(ctx, token context.Context, id, taskID string, sub Submission) bool {
	est := o.startEstimator(id, time.Now())
	defer est.stop()

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if o.opts.MaxPollDuration > 0 {
		timer := time.NewTimer(o.opts.MaxPollDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ticker.C:
		case <-deadline:
			est.stop()
			o.fail(id, MsgConvertTimedOut, nil)
			return false
		}
		if token.Err() != nil {
			est.stop()
			o.fail(id, MsgCancelled, token.Err())
			return false
		}

		st, err := o.backend.Status(ctx, taskID)
		if err != nil {
			est.stop()
			o.fail(id, MsgStatusCheckFailed, err)
			return false
		}
		switch st.Status {
		case backend.StatusCompleted:
			est.stop()
			o.complete(ctx, id, st.Mood, sub)
			return true
		case backend.StatusFailed:
			est.stop()
			o.fail(id, MsgConvertFailed, nil)
			return false
		case backend.StatusNotFound:
			// the backend forgot the task, usually after a restart
			est.stop()
			o.fail(id, MsgTaskLost, nil)
			return false
		default:
			if st.Mood != "" {
				o.update(id, func(j *Job) { j.Mood = st.Mood })
			}
			log.Debug().Str("job_id", id).Str("task_id", taskID).Str("status", st.Status).Msg("still converting")
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context, id, mood string, sub Submission) {
	snapshot, ok := o.update(id, func(j *Job) {
		j.Status = StatusDone
		j.Progress = progressDone
		if mood != "" {
			j.Mood = mood
		}
		j.CompletedAt = time.Now().UTC()
	})
	if !ok {
		return
	}
	log.Info().Str("job_id", id).Str("task_id", snapshot.RemoteTaskID).Msg("conversion done")

	o.mu.RLock()
	recorder := o.history
	o.mu.RUnlock()
	if recorder == nil {
		return
	}
	entry := store.HistoryEntry{
		TaskID: snapshot.RemoteTaskID,
		Title:  historyTitle(snapshot.Name),
		Preset: sub.Preset,
		Date:   snapshot.CompletedAt.Format(time.RFC3339),
	}
	if err := recorder.Record(ctx, sub.UserID, entry); err != nil {
		log.Warn().Str("job_id", id).Str("task_id", entry.TaskID).Err(err).Msg("record history failed")
	}
}

func (o *Orchestrator) fail(id, msg string, cause error) {
	o.update(id, func(j *Job) {
		j.Status = StatusError
		j.Error = msg
		j.CompletedAt = time.Now().UTC()
	})
	log.Warn().Str("job_id", id).Str("status", string(StatusError)).Err(cause).Msg(msg)
}

// EstimateProgress maps time spent converting onto the displayed percentage.
// It never exceeds 90; only a completed conversion reaches 100.
func EstimateProgress(elapsed, assumed time.Duration) float64 {
	if assumed <= 0 {
		return progressCeiling
	}
	v := progressStart + float64(elapsed)/float64(assumed)*progressSpan
	return math.Min(progressCeiling, math.Max(progressStart, v))
}

type estimator struct {
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func (o *Orchestrator) startEstimator(id string, started time.Time) *estimator {
	e := &estimator{quit: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(o.opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.quit:
				return
			case <-ticker.C:
				v := EstimateProgress(time.Since(started), o.opts.AssumedDuration)
				o.update(id, func(j *Job) {
					if j.Status == StatusProcessing && v > j.Progress {
						j.Progress = v
					}
				})
			}
		}
	}()
	return e
}

// stop halts the estimator and waits for its last update to land.
func (e *estimator) stop() {
	e.once.Do(func() {
		close(e.quit)
		<-e.done
	})
}
