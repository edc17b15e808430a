package domain

import (
	"strings"
	"time"
)

// Message headers read from failed and audited messages.
const (
	HeaderMessageID            = "NServiceBus.MessageId"
	HeaderEnclosedMessageTypes = "NServiceBus.EnclosedMessageTypes"
	HeaderContentType          = "NServiceBus.ContentType"
	HeaderConversationID       = "NServiceBus.ConversationId"
	HeaderTimeSent             = "NServiceBus.TimeSent"
	HeaderOriginatingEndpoint  = "NServiceBus.OriginatingEndpoint"
	HeaderOriginatingMachine   = "NServiceBus.OriginatingMachine"
	HeaderOriginatingHostID    = "$.diagnostics.originating.hostid"
	HeaderProcessingEndpoint   = "NServiceBus.ProcessingEndpoint"
	HeaderProcessingMachine    = "NServiceBus.ProcessingMachine"
	HeaderHostID               = "$.diagnostics.hostid"
	HeaderProcessingStarted    = "NServiceBus.ProcessingStarted"
	HeaderProcessingEnded      = "NServiceBus.ProcessingEnded"
	HeaderFailedQ              = "NServiceBus.FailedQ"
	HeaderTimeOfFailure        = "NServiceBus.TimeOfFailure"
	HeaderExceptionType        = "NServiceBus.ExceptionInfo.ExceptionType"
	HeaderExceptionMessage     = "NServiceBus.ExceptionInfo.Message"
	HeaderExceptionSource      = "NServiceBus.ExceptionInfo.Source"
	HeaderExceptionStackTrace  = "NServiceBus.ExceptionInfo.StackTrace"
)

// Retry-tracking headers. Only HeaderRetryUniqueMessageID reaches the destination
// endpoint; it correlates the reprocessed message with its record.
const (
	HeaderTargetEndpointAddress = "ServiceControl.TargetEndpointAddress"
	HeaderRetryStagingID        = "ServiceControl.Retry.StagingId"
	HeaderRetryUniqueMessageID  = "ServiceControl.Retry.UniqueMessageId"
	HeaderRetryBodyStored       = "ServiceControl.Retry.BodyStored"
)

// RetryTrackingHeaders are stripped before a staged message is forwarded.
var RetryTrackingHeaders = []string{
	HeaderTargetEndpointAddress,
	HeaderRetryStagingID,
	HeaderRetryBodyStored,
}

// wireTimeLayout is the NServiceBus wire format for timestamps with the
// fraction separator normalised to '.'; on the wire it is ':'.
const wireTimeLayout = "2006-01-02 15:04:05.000000 Z"

// FormatWireTime formats t in the wire timestamp format.
func FormatWireTime(t time.Time) string {
	b := []byte(t.UTC().Format(wireTimeLayout))
	b[19] = ':'
	return string(b)
}

// ParseWireTime parses a wire timestamp, falling back to RFC3339.
func ParseWireTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if len(s) > 20 && s[19] == ':' {
		if t, err := time.Parse(wireTimeLayout, s[:19]+"."+s[20:]); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// PrimaryMessageType returns the first enclosed type without assembly qualifiers.
func PrimaryMessageType(enclosed string) string {
	first, _, _ := strings.Cut(enclosed, ";")
	name, _, _ := strings.Cut(first, ",")
	return strings.TrimSpace(name)
}
