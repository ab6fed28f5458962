package job

import (
	"time"

	"atmoslofi/internal/mix"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Eligible reports whether a run picks the job up.
func (s Status) Eligible() bool { return s == StatusQueued || s == StatusError }

// Failure reasons recorded on a job.
const (
	MsgUploadFailed      = "Upload failed"
	MsgProcessingFailed  = "Processing failed"
	MsgConvertFailed     = "Convert failed"
	MsgStatusCheckFailed = "Status check failed"
	MsgCancelled         = "Cancelled"
	MsgConvertTimedOut   = "Convert timed out"
	MsgTaskLost          = "Conversion task lost"
)

// Job is one conversion request. Values handed out by the orchestrator are copies.
type Job struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	MIME         string    `json:"mime,omitempty"`
	Title        string    `json:"title,omitempty"`
	Artist       string    `json:"artist,omitempty"`
	Status       Status    `json:"status"`
	RemoteFileID string    `json:"remote_file_id,omitempty"`
	RemoteTaskID string    `json:"remote_task_id,omitempty"`
	Progress     float64   `json:"progress"`
	Error        string    `json:"error,omitempty"`
	Preset       string    `json:"preset,omitempty"`
	Mood         string    `json:"mood,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`

	source Source
}

// Submission is the snapshot shared by every job of one run.
type Submission struct {
	Preset string         `json:"preset"`
	Mix    mix.Parameters `json:"mix"`
	UserID string         `json:"user_id,omitempty"`
}

// RunSummary counts outcomes of one SubmitAll pass.
type RunSummary struct {
	Done      int  `json:"done"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Cancelled bool `json:"cancelled"`
}

type Options struct {
	PollInterval     time.Duration
	ProgressInterval time.Duration
	LinkPollInterval time.Duration
	// AssumedDuration is the conversion time the progress estimate is scaled to.
	AssumedDuration time.Duration
	// MaxPollDuration stops polling a job after this long. Zero disables the limit.
	MaxPollDuration time.Duration
	MaxSourceBytes  int64
}

const (
	MaxQueueSize = 10

	defaultPollInterval     = 2500 * time.Millisecond
	defaultProgressInterval = 500 * time.Millisecond
	defaultLinkPollInterval = 2 * time.Second
	defaultAssumedDuration  = 55 * time.Second
	defaultMaxSourceBytes   = 50 << 20

	progressStart   = 5.0
	progressSpan    = 85.0
	progressCeiling = 90.0
	progressDone    = 100.0
)

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = defaultProgressInterval
	}
	if o.LinkPollInterval <= 0 {
		o.LinkPollInterval = defaultLinkPollInterval
	}
	if o.AssumedDuration <= 0 {
		o.AssumedDuration = defaultAssumedDuration
	}
	if o.MaxSourceBytes <= 0 {
		o.MaxSourceBytes = defaultMaxSourceBytes
	}
	if o.MaxPollDuration < 0 {
		o.MaxPollDuration = 0
	}
	return o
}
