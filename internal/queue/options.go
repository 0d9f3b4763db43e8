package queue

import (
	"errors"
	"time"

	"github.com/SirClappington/prodq/internal/domain"
)

var (
	// ErrJobNotFound is returned by Get when the queue holds no such job.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrBadRepeat is returned when a recurrence pattern or timezone is invalid.
	ErrBadRepeat = errors.New("queue: invalid repeat")
)

// State is a job's position in the queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Repeat describes a cron-like recurrence.
type Repeat struct {
	Pattern  string `json:"pattern"`
	Timezone string `json:"tz,omitempty"`
}

// Options tune a single Add.
type Options struct {
	// JobID overrides the generated id.
	JobID string `json:"jobId,omitempty"`
	// Priority orders waiting jobs; lower runs first. Clamped to [0, MaxPriority].
	Priority int           `json:"priority,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	// Backoff is the first retry delay; it doubles on each further attempt.
	Backoff time.Duration `json:"backoff,omitempty"`
	Repeat  *Repeat       `json:"repeat,omitempty"`
	// RepeatID is set on jobs materialized from a recurrence.
	RepeatID string `json:"repeatId,omitempty"`
}

const MaxPriority = 1000

// Job is what a consumer receives from Dequeue.
type Job struct {
	ID       string
	Data     domain.JobInput
	Opts     Options
	Attempts int
}

// Scheduled reports whether the job came from a recurrence.
func (j *Job) Scheduled() bool { return j.Opts.RepeatID != "" }

// JobInfo is the status view of a queued job.
type JobInfo struct {
	ID           string          `json:"id"`
	State        State           `json:"state"`
	Data         domain.JobInput `json:"data"`
	Progress     int             `json:"progress"`
	ReturnValue  any             `json:"returnValue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Attempts     int             `json:"attemptsMade"`
	ProcessedOn  *time.Time      `json:"processedOn,omitempty"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
}

// Stats counts jobs per state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

type unrecoverable struct{ err error }

func (u unrecoverable) Error() string { return u.err.Error() }
func (u unrecoverable) Unwrap() error { return u.err }

// Unrecoverable marks err so that Fail does not schedule another attempt.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return unrecoverable{err}
}

// IsUnrecoverable reports whether err was marked with Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u unrecoverable
	return errors.As(err, &u)
}
