package domain

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobProduct     JobType = "product"
	JobSearch      JobType = "search"
	JobReview      JobType = "review"
	JobPriceUpdate JobType = "price_update"
)

func (t JobType) Valid() bool {
	switch t {
	case JobProduct, JobSearch, JobReview, JobPriceUpdate:
		return true
	}
	return false
}

type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Suspended Status = "suspended"
	// Scheduled marks a recurrence definition; its occurrences get records of
	// their own.
	Scheduled Status = "scheduled"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// JobInput is the enqueue payload shared by every job type.
type JobInput struct {
	Type    JobType `json:"type"`
	ASIN    string  `json:"asin,omitempty"`
	Keyword string  `json:"keyword,omitempty"`
	Limit   int     `json:"limit,omitempty"`
	Country string  `json:"country,omitempty"`
}

// Job is the durable status record. ID is the same id the queue uses.
type Job struct {
	ID           string
	Type         JobType
	Status       Status
	Input        json.RawMessage
	Output       json.RawMessage
	Error        *string
	IsScheduled  bool
	APICallsUsed int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
