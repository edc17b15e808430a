// Package status is the lifecycle state machine of a failed message record.
//
// Transitions are driven by triggers rather than target states, so the same
// trigger can lead to different states depending on where a message is:
//
//	(none)          --FailedAttempt-->    Unresolved
//	Unresolved      --FailedAttempt-->    Unresolved
//	Resolved        --FailedAttempt-->    RepeatedFailure
//	Unresolved      --RetryIssued-->      RetryIssued
//	RetryIssued     --RetrySucceeded-->   Resolved
//	RetryIssued     --RedeliveryFailed--> Unresolved
//	RetryIssued     --Archive-->          ArchivedFailure
//	ArchivedFailure --FailedAttempt-->    RepeatedFailure
//
// Archiving is an operator decision, but a real failure always reopens it.
package status

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/redrive/internal/core/domain"
)

// ErrInvalidTransition is returned when a trigger is not allowed in the current state.
var ErrInvalidTransition = errors.New("invalid status transition")

// None is the state of a record that does not exist yet.
const None domain.Status = ""

// Trigger is an event that moves a record through its lifecycle.
type Trigger string

const (
	TriggerFailedAttempt    Trigger = "failed_attempt"
	TriggerRetryIssued      Trigger = "retry_issued"
	TriggerRetrySucceeded   Trigger = "retry_succeeded"
	TriggerRedeliveryFailed Trigger = "redelivery_failed"
	TriggerArchive          Trigger = "archive"
	TriggerUnarchive        Trigger = "unarchive"
)

// ValidTransitions maps each trigger to the allowed source states and their target.
var ValidTransitions = map[Trigger]map[domain.Status]domain.Status{
	TriggerFailedAttempt: {
		None:                         domain.StatusUnresolved,
		domain.StatusUnresolved:      domain.StatusUnresolved,
		domain.StatusRepeatedFailure: domain.StatusUnresolved,
		domain.StatusRetryIssued:     domain.StatusUnresolved,
		domain.StatusResolved:        domain.StatusRepeatedFailure,
		domain.StatusArchivedFailure: domain.StatusRepeatedFailure,
	},
	TriggerRetryIssued: {
		domain.StatusUnresolved:      domain.StatusRetryIssued,
		domain.StatusRepeatedFailure: domain.StatusRetryIssued,
	},
	TriggerRetrySucceeded: {
		domain.StatusUnresolved:      domain.StatusResolved,
		domain.StatusRepeatedFailure: domain.StatusResolved,
		domain.StatusRetryIssued:     domain.StatusResolved,
		domain.StatusResolved:        domain.StatusResolved,
		domain.StatusArchivedFailure: domain.StatusResolved,
	},
	TriggerRedeliveryFailed: {
		domain.StatusRetryIssued: domain.StatusUnresolved,
	},
	TriggerArchive: {
		domain.StatusUnresolved:      domain.StatusArchivedFailure,
		domain.StatusRepeatedFailure: domain.StatusArchivedFailure,
		domain.StatusRetryIssued:     domain.StatusArchivedFailure,
		domain.StatusArchivedFailure: domain.StatusArchivedFailure,
	},
	TriggerUnarchive: {
		domain.StatusArchivedFailure: domain.StatusUnresolved,
	},
}

// Next returns the state reached from `from` when `trigger` fires.
func Next(from domain.Status, trigger Trigger) (domain.Status, error) {
	targets, ok := ValidTransitions[trigger]
	if !ok {
		return from, fmt.Errorf("%w: unknown trigger %s", ErrInvalidTransition, trigger)
	}
	to, ok := targets[from]
	if !ok {
		return from, fmt.Errorf("%w: %s not allowed from %s", ErrInvalidTransition, trigger, describeState(from))
	}
	return to, nil
}

// CanFire reports whether trigger is allowed from the given state.
func CanFire(from domain.Status, trigger Trigger) bool {
	_, err := Next(from, trigger)
	return err == nil
}

// IsTerminal reports whether a state counts as closed on dashboards.
// Both terminal states are reopened by a new failure.
func IsTerminal(s domain.Status) bool {
	return s == domain.StatusResolved || s == domain.StatusArchivedFailure
}

// Transition represents a state change with metadata.
type Transition struct {
	MessageID string
	From      domain.Status
	To        domain.Status
	Trigger   Trigger
	Timestamp time.Time
}

// Apply fires trigger on from and returns the resulting transition record.
func Apply(messageID string, from domain.Status, trigger Trigger) (Transition, error) {
	to, err := Next(from, trigger)
	if err != nil {
		return Transition{}, err
	}
	return Transition{
		MessageID: messageID,
		From:      from,
		To:        to,
		Trigger:   trigger,
		Timestamp: time.Now(),
	}, nil
}

// Changed reports whether the transition moved to a different state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

func describeState(s domain.Status) string {
	if s == None {
		return "(none)"
	}
	return string(s)
}

// Describe returns a human-readable description of a state.
func Describe(s domain.Status) string {
	switch s {
	case domain.StatusUnresolved:
		return "Unresolved - failed and awaiting operator action"
	case domain.StatusRepeatedFailure:
		return "Repeated failure - failed again after being resolved or archived"
	case domain.StatusRetryIssued:
		return "Retry issued - redelivery to the original destination in flight"
	case domain.StatusResolved:
		return "Resolved - reprocessed successfully"
	case domain.StatusArchivedFailure:
		return "Archived - dismissed by an operator"
	default:
		return "Unknown status"
	}
}
