// Package lifecycle defines the document and job state machines shared by the
// ingestion, verification and report processors.
package lifecycle

import (
	"errors"
	"fmt"
)

// Status is a document processing status.
type Status string

const (
	StatusPending          Status = "pending"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusNeedsOCR         Status = "needs_ocr"
	StatusFailed           Status = "failed"
	StatusReadyForAnalysis Status = "ready_for_analysis"
)

// VerificationStatus is the outcome of verifying an extracted document.
type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationWarnings VerificationStatus = "warnings"
	VerificationFailed   VerificationStatus = "failed"
)

// JobStatus is the status of a durable job record.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Event drives a document status change.
type Event string

const (
	EventIngestStarted       Event = "ingest_started"
	EventExtracted           Event = "extracted"
	EventLowQualityRetry     Event = "low_quality_retry"
	EventLowQualityExhausted Event = "low_quality_exhausted"
	EventNeedsOCR            Event = "needs_ocr"
	EventFailed              Event = "failed"
	EventVerified            Event = "verified"
	EventVerifiedWarnings    Event = "verified_with_warnings"
	EventVerificationFailed  Event = "verification_failed"
)

// ErrInvalidTransition is returned when an event arrives for a status it is
// not expected from. The target status is still returned alongside it.
var ErrInvalidTransition = errors.New("invalid status transition")

type rule struct {
	from []Status
	to   Status
	keep bool // status is left unchanged
}

var rules = map[Event]rule{
	EventIngestStarted: {
		from: []Status{StatusPending, StatusProcessing, StatusFailed, StatusNeedsOCR},
		to:   StatusProcessing,
	},
	EventExtracted:           {from: []Status{StatusProcessing}, to: StatusCompleted},
	EventLowQualityRetry:     {from: []Status{StatusProcessing}, to: StatusPending},
	EventLowQualityExhausted: {from: []Status{StatusProcessing}, to: StatusFailed},
	EventNeedsOCR:            {from: []Status{StatusProcessing}, to: StatusNeedsOCR},
	EventFailed:              {from: []Status{StatusPending, StatusProcessing}, to: StatusFailed},
	EventVerified: {
		from: []Status{StatusCompleted, StatusReadyForAnalysis},
		to:   StatusReadyForAnalysis,
	},
	EventVerifiedWarnings:   {from: []Status{StatusCompleted, StatusReadyForAnalysis}, keep: true},
	EventVerificationFailed: {from: []Status{StatusCompleted, StatusReadyForAnalysis}, keep: true},
}

// Transition returns the status a document moves to when event happens in
// status from. Writes are last-write-wins, so an unexpected origin yields the
// target together with ErrInvalidTransition and callers decide whether to log
// and proceed.
func Transition(from Status, event Event) (Status, error) {
	r, ok := rules[event]
	if !ok {
		return from, fmt.Errorf("unknown event %q", event)
	}

	to := r.to
	if r.keep {
		to = from
	}

	for _, s := range r.from {
		if s == from {
			return to, nil
		}
	}
	return to, fmt.Errorf("%w: %s on %q", ErrInvalidTransition, event, from)
}

// Verification score thresholds.
const (
	VerifiedThreshold = 0.8
	WarningsThreshold = 0.5
)

// VerificationFromScore maps an overall verification score to a status.
func VerificationFromScore(score float64) VerificationStatus {
	switch {
	case score >= VerifiedThreshold:
		return VerificationVerified
	case score >= WarningsThreshold:
		return VerificationWarnings
	default:
		return VerificationFailed
	}
}

// VerificationEvent maps a verification status to its document event.
func VerificationEvent(vs VerificationStatus) Event {
	switch vs {
	case VerificationVerified:
		return EventVerified
	case VerificationWarnings:
		return EventVerifiedWarnings
	default:
		return EventVerificationFailed
	}
}

// Readiness is the deal-level aggregate of verification outcomes.
type Readiness string

const (
	ReadinessReady       Readiness = "ready"
	ReadinessNeedsReview Readiness = "needs_review"
	ReadinessFailed      Readiness = "failed"
)
