// Package classifier derives failure groups from the exception and queue data
// of a failed attempt. Classification is deterministic so repeated failures
// with the same root cause land in the same group.
package classifier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vietddude/redrive/internal/core/domain"
)

// groupNamespace scopes name-based UUIDs of failure groups.
var groupNamespace = uuid.MustParse("4b7d9e2c-1a63-4f08-b5de-93c1a0f7e624")

// Details is the classifier input taken from one processing attempt.
type Details struct {
	ExceptionType string
	Message       string
	Source        string
	StackTrace    string
	MessageType   string
	QueueAddress  string
}

// DetailsFromAttempt extracts classifier input from an attempt.
func DetailsFromAttempt(a domain.ProcessingAttempt) Details {
	return Details{
		ExceptionType: a.FailureDetails.ExceptionType,
		Message:       a.FailureDetails.Message,
		Source:        a.FailureDetails.Source,
		StackTrace:    a.FailureDetails.StackTrace,
		MessageType:   a.Metadata.MessageType,
		QueueAddress:  a.FailureDetails.AddressOfFailingEndpoint,
	}
}

// Classifier maps failure details to a classification. An empty
// classification means the classifier does not apply.
type Classifier interface {
	Name() string
	Classify(d Details) (string, error)
}

// GroupID returns the identifier of the group a classifier produces for a classification.
func GroupID(classifierName, classification string) string {
	return uuid.NewSHA1(groupNamespace, []byte(classifierName+"/"+classification)).String()
}

// Set runs classifiers in order.
type Set struct {
	classifiers []Classifier
	onError     func(classifier string, err error)
}

// NewSet creates a set of classifiers. The first classifier producing a group
// determines the primary group.
func NewSet(classifiers ...Classifier) *Set {
	return &Set{classifiers: classifiers}
}

// Default returns the built-in classifiers.
func Default() *Set {
	return NewSet(
		ExceptionTypeAndStackTrace{},
		MessageType{},
		EndpointAddress{},
	)
}

// OnError registers a callback invoked for each classifier failure.
func (s *Set) OnError(fn func(classifier string, err error)) *Set {
	s.onError = fn
	return s
}

// Classify returns the groups of a failure in classifier order. A failing
// classifier is skipped and its error joined into the returned error; the
// groups of the others are still returned.
func (s *Set) Classify(d Details) ([]domain.FailureGroup, error) {
	var (
		groups []domain.FailureGroup
		seen   = make(map[string]struct{})
		errs   []error
	)

	for _, c := range s.classifiers {
		classification, err := safeClassify(c, d)
		if err != nil {
			if s.onError != nil {
				s.onError(c.Name(), err)
			}
			errs = append(errs, fmt.Errorf("classifier %s: %w", c.Name(), err))
			continue
		}
		if classification == "" {
			continue
		}

		id := GroupID(c.Name(), classification)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		groups = append(groups, domain.FailureGroup{
			ID:    id,
			Title: classification,
			Type:  c.Name(),
		})
	}

	return groups, errors.Join(errs...)
}

func safeClassify(c Classifier, d Details) (classification string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Classify(d)
}

// ExceptionTypeAndStackTrace groups by exception type and the frame that threw it.
type ExceptionTypeAndStackTrace struct{}

func (ExceptionTypeAndStackTrace) Name() string { return "Exception Type and Stack Trace" }

func (ExceptionTypeAndStackTrace) Classify(d Details) (string, error) {
	if d.ExceptionType == "" {
		return "", nil
	}
	frame := FirstFrame(d.StackTrace)
	if frame == "" {
		return d.ExceptionType, nil
	}
	return d.ExceptionType + " was thrown at " + frame, nil
}

// MessageType groups by the primary message type.
type MessageType struct{}

func (MessageType) Name() string { return "Message Type" }

func (MessageType) Classify(d Details) (string, error) {
	return strings.TrimSpace(d.MessageType), nil
}

// EndpointAddress groups by the queue of the failing endpoint.
type EndpointAddress struct{}

func (EndpointAddress) Name() string { return "Endpoint Address" }

func (EndpointAddress) Classify(d Details) (string, error) {
	return strings.TrimSpace(d.QueueAddress), nil
}

// FirstFrame returns the method of the first "at ..." line of a stack trace,
// without its file and line information.
func FirstFrame(stackTrace string) string {
	for _, line := range strings.Split(stackTrace, "\n") {
		line = strings.TrimSpace(line)
		frame, ok := strings.CutPrefix(line, "at ")
		if !ok {
			continue
		}
		if i := strings.Index(frame, " in "); i >= 0 {
			frame = frame[:i]
		}
		return strings.TrimSpace(frame)
	}
	return ""
}
