package domain

import (
	"encoding/json"
	"time"
)

// JobType enumerates supported inference job categories.
type JobType string

const (
	JobTypeRunPrediction   JobType = "RunPrediction"
	JobTypeAutoMaskPredict JobType = "AutoMaskPredict"
	JobTypeVideoPipeline   JobType = "VideoPipeline"
	JobTypeAvatar          JobType = "Avatar"
	JobTypeGenerateOutfit  JobType = "GenerateOutfit"
	JobTypeEditGarment     JobType = "EditGarment"
)

// AllJobTypes lists every job type the pipeline accepts. The worker registry
// must provide a handler for each entry.
var AllJobTypes = []JobType{
	JobTypeRunPrediction,
	JobTypeAutoMaskPredict,
	JobTypeVideoPipeline,
	JobTypeAvatar,
	JobTypeGenerateOutfit,
	JobTypeEditGarment,
}

// Valid reports whether t is one of AllJobTypes.
func (t JobType) Valid() bool {
	for _, known := range AllJobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Public returns the lower-case status used on the wire ("queued", "completed", ...).
func (s JobStatus) Public() string {
	switch s {
	case JobStatusQueued:
		return "queued"
	case JobStatusRunning:
		return "running"
	case JobStatusCompleted:
		return "completed"
	case JobStatusFailed:
		return "failed"
	default:
		return string(s)
	}
}

// CanTransition reports whether a record in state from may move to state to.
// RUNNING -> RUNNING is allowed so that a redelivered job can be re-claimed
// after a worker crash.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusRunning || to.Terminal()
	default:
		return false
	}
}

// FromStates returns the states a record may be in for a move to to succeed.
func FromStates(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Job is the durable record of one inference request.
type Job struct {
	ID           string
	Type         JobType
	Status       JobStatus
	Payload      json.RawMessage
	Result       json.RawMessage
	ErrorMessage string
	WebhookURL   string
	BusinessID   string
	CustomerID   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal returns the billing subject the job is attributed to.
func (j *Job) Principal() Principal {
	return Principal{BusinessID: j.BusinessID, CustomerID: j.CustomerID}
}
