package job

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrAlreadyRunning  = errors.New("a run is already in progress")
	ErrRunning         = errors.New("queue is locked while a run is in progress")
	ErrQueueFull       = errors.New("queue is full: max 10 jobs")
	ErrInvalidSource   = errors.New("invalid source")
	ErrNotDone         = errors.New("job has no finished result")
	ErrNoSourceContent = errors.New("source has no local content")
)

// ValidationError rejects a source before any network call.
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Name, e.Reason) }

func (e *ValidationError) Unwrap() error { return ErrInvalidSource }

// RemoteFetchError reports a failed link ingestion. No job is enqueued.
type RemoteFetchError struct {
	Link    string
	Message string
	Err     error
}

func (e *RemoteFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Link, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Link, e.Message)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }
