package ingest

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/vietddude/redrive/internal/core/domain"
	"github.com/vietddude/redrive/internal/infra/transport"
	"github.com/vietddude/redrive/internal/recoverability/ledger"
)

// ErrMalformed is returned for messages that lack the headers identifying a failure.
var ErrMalformed = errors.New("malformed failed message")

// ParseFailure maps an error queue message to a failed attempt.
func ParseFailure(msg *transport.Message) (ledger.FailedAttempt, error) {
	h := msg.Headers
	messageID := h[domain.HeaderMessageID]
	if messageID == "" {
		return ledger.FailedAttempt{}, fmt.Errorf("%w: missing %s", ErrMalformed, domain.HeaderMessageID)
	}
	failedQ := h[domain.HeaderFailedQ]
	if failedQ == "" {
		return ledger.FailedAttempt{}, fmt.Errorf("%w: missing %s", ErrMalformed, domain.HeaderFailedQ)
	}

	timeOfFailure, _ := domain.ParseWireTime(h[domain.HeaderTimeOfFailure])
	attempt := domain.ProcessingAttempt{
		MessageID: messageID,
		Headers:   maps.Clone(h),
		Metadata:  metadata(h, failedQ),
		FailureDetails: domain.FailureDetails{
			ExceptionType:            h[domain.HeaderExceptionType],
			Message:                  h[domain.HeaderExceptionMessage],
			Source:                   h[domain.HeaderExceptionSource],
			StackTrace:               h[domain.HeaderExceptionStackTrace],
			AddressOfFailingEndpoint: failedQ,
			TimeOfFailure:            timeOfFailure,
		},
		AttemptedAt: timeOfFailure,
	}

	fa := ledger.FailedAttempt{
		// A retried copy that failed again belongs to the record it was issued for.
		UniqueMessageID: h[domain.HeaderRetryUniqueMessageID],
		Attempt:         attempt,
	}
	if len(msg.Body) > 0 {
		fa.Body = &domain.MessageBody{
			ContentType: h[domain.HeaderContentType],
			Data:        append([]byte(nil), msg.Body...),
		}
	}
	return fa, nil
}

func metadata(h map[string]string, failedQ string) domain.AttemptMetadata {
	md := domain.AttemptMetadata{
		MessageType: domain.PrimaryMessageType(h[domain.HeaderEnclosedMessageTypes]),
		ContentType: h[domain.HeaderContentType],
		SendingEndpoint: domain.Endpoint{
			Name:   h[domain.HeaderOriginatingEndpoint],
			Host:   h[domain.HeaderOriginatingMachine],
			HostID: h[domain.HeaderOriginatingHostID],
		},
		ReceivingEndpoint: domain.Endpoint{
			Name:   h[domain.HeaderProcessingEndpoint],
			Host:   h[domain.HeaderProcessingMachine],
			HostID: h[domain.HeaderHostID],
		},
		ConversationID: h[domain.HeaderConversationID],
	}
	if md.ReceivingEndpoint.Name == "" {
		// Queue addresses may be qualified with a machine: "sales@host".
		name, host, _ := strings.Cut(failedQ, "@")
		md.ReceivingEndpoint.Name = name
		if md.ReceivingEndpoint.Host == "" {
			md.ReceivingEndpoint.Host = host
		}
	}

	sent, hasSent := domain.ParseWireTime(h[domain.HeaderTimeSent])
	started, hasStarted := domain.ParseWireTime(h[domain.HeaderProcessingStarted])
	ended, hasEnded := domain.ParseWireTime(h[domain.HeaderProcessingEnded])
	if hasSent {
		md.TimeSent = &sent
	}
	if hasSent && hasEnded {
		md.CriticalTime = nonNegative(ended.Sub(sent))
	}
	if hasStarted && hasEnded {
		md.ProcessingTime = nonNegative(ended.Sub(started))
	}
	if hasSent && hasStarted {
		md.DeliveryTime = nonNegative(started.Sub(sent))
	}
	return md
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
