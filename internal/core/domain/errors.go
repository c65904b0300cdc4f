package domain

import (
	"errors"
	"fmt"
)

// Kind classifies errors for callers that need to react differently
// (HTTP status mapping, retry decisions)
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindConfiguration
	KindUnavailable
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindConfiguration:
		return "configuration"
	case KindUnavailable:
		return "unavailable"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is a classified sentinel
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Kind returns the classification
func (e *Error) Kind() Kind { return e.kind }

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

var (
	ErrInvalidInput = newError(KindValidation, "invalid input")

	ErrConversationNotFound = newError(KindNotFound, "conversation not found")
	ErrContactNotFound      = newError(KindNotFound, "contact not found")
	ErrAgentNotFound        = newError(KindNotFound, "agent not found")
	ErrMessageNotFound      = newError(KindNotFound, "message not found")
	ErrWebhookNotFound      = newError(KindNotFound, "webhook subscription not found")
	ErrChannelNotFound      = newError(KindNotFound, "channel not found")
	ErrJobNotFound          = newError(KindNotFound, "delivery job not found")

	// ErrConflict is returned by stores when a unique constraint rejects an insert
	ErrConflict = newError(KindConflict, "unique constraint violated")

	ErrNoTriageAgentConfigured = newError(KindConfiguration, "no triage agent configured for account")
	ErrNoAIProviderConfigured  = newError(KindConfiguration, "no AI provider configured")

	ErrNoActiveChannelClient = newError(KindUnavailable, "no active channel client")

	ErrChannelSendFailed  = newError(KindTransient, "channel send failed")
	ErrChannelSendTimeout = newError(KindTransient, "channel send timed out")
	ErrDeliveryFailed     = newError(KindTransient, "webhook delivery failed")
)

// KindOf returns the classification of the first classified error in the chain
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.kind
	}
	return KindInternal
}

// Invalid wraps ErrInvalidInput with a reason
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
