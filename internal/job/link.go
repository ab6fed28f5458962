package job

import (
	"context"
	"errors"
	"strings"
	"time"

	"atmoslofi/internal/backend"

	"github.com/rs/zerolog/log"
)

const (
	msgFetchRejected = "Link rejected"
	msgFetchFailed   = "Download failed"
	msgFetchLost     = "Download task not found"
	msgFetchStatus   = "Download status check failed"
	fetchedExtension = ".mp3"
)

// FetchLink asks the backend to pull audio from link and, once stored, queues
// a job that skips the upload stage. It is independent of SubmitAll and may
// run while a run is active. Failures return *RemoteFetchError and queue nothing.
func (o *Orchestrator) FetchLink(ctx context.Context, link string) (Job, error) {
	link = strings.TrimSpace(link)
	o.linkWG.Add(1)
	defer o.linkWG.Done()

	if o.queueFull() {
		return Job{}, ErrQueueFull
	}

	linkTaskID, err := o.backend.SubmitLink(ctx, link)
	if err != nil {
		return Job{}, &RemoteFetchError{Link: link, Message: fetchMessage(err, msgFetchRejected), Err: err}
	}
	log.Info().Str("link", link).Str("task_id", linkTaskID).Msg("link fetch started")

	ticker := time.NewTicker(o.opts.LinkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Job{}, &RemoteFetchError{Link: link, Message: msgFetchFailed, Err: ctx.Err()}
		case <-ticker.C:
		}

		st, err := o.backend.LinkStatus(ctx, linkTaskID)
		if err != nil {
			return Job{}, &RemoteFetchError{Link: link, Message: msgFetchStatus, Err: err}
		}
		switch st.Status {
		case backend.LinkDone:
			return o.enqueueFetched(st)
		case backend.LinkFailed:
			msg := st.Error
			if msg == "" {
				msg = msgFetchFailed
			}
			log.Warn().Str("link", link).Str("task_id", linkTaskID).Msg(msg)
			return Job{}, &RemoteFetchError{Link: link, Message: msg}
		case backend.LinkNotFound:
			return Job{}, &RemoteFetchError{Link: link, Message: msgFetchLost}
		}
	}
}

func (o *Orchestrator) enqueueFetched(st backend.LinkStatus) (Job, error) {
	name := strings.TrimSpace(st.Filename)
	if name == "" {
		name = st.FileID
	}
	added := o.appendCapped([]*Job{newJob(remoteSource(st.FileID, name+fetchedExtension))})
	if len(added) == 0 {
		return Job{}, ErrQueueFull
	}
	return added[0], nil
}

func (o *Orchestrator) queueFull() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.jobs) >= MaxQueueSize
}

func fetchMessage(err error, fallback string) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return fallback
}
