package outbound

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/wudi/fabric/internal/errors"
)

// Category classifies an outbound failure.
type Category string

const (
	CategoryTerminal  Category = "terminal"
	CategoryRetryable Category = "retryable"
)

// Dispositions.
const (
	DispositionTerminal = "terminal"
	DispositionRetry    = "retry"
)

// Error is the typed outbound failure returned to callers. DeadLetterID is
// set when the failure was captured for replay.
type Error struct {
	Reason       string
	Category     Category
	Disposition  string
	Attempt      int
	MaxAttempts  int
	DeadLetterID string
	cause        error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("outbound %s (%s) attempt %d/%d", e.Reason, e.Category, e.Attempt, e.MaxAttempts)
	if e.DeadLetterID != "" {
		s += " dead_letter=" + e.DeadLetterID
	}
	return s
}

func (e *Error) Unwrap() error { return e.cause }

// terminalReasons never retry.
var terminalReasons = map[string]bool{
	errors.ReasonInvalidRequest:    true,
	errors.ReasonMissingExternalID: true,
	errors.ReasonMissingCallback:   true,
	errors.ReasonBridgeNotFound:    true,
	errors.ReasonBridgeDisabled:    true,
	errors.ReasonMediaPolicyDenied: true,
	errors.ReasonTooLarge:          true,
	errors.ReasonNotFound:          true,
}

// Classify maps a dispatch failure onto a retry category. Taxonomy errors
// with a terminal reason never retry; timeouts and everything network-shaped
// retry.
func Classify(err error) (reason string, category Category) {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.ReasonTimeout, CategoryRetryable
	}
	var um *errors.UnsupportedMedia
	if stderrors.As(err, &um) {
		return "unsupported_media", CategoryTerminal
	}
	var sd *errors.SecurityDenied
	if stderrors.As(err, &sd) {
		return sd.Reason, CategoryTerminal
	}
	var te *errors.Error
	if stderrors.As(err, &te) {
		if terminalReasons[te.Reason] {
			return te.Reason, CategoryTerminal
		}
		return te.Reason, CategoryRetryable
	}
	return "send_failed", CategoryRetryable
}
