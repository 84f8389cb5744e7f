// Package errors defines the fabric error taxonomy. All failures cross
// package boundaries as typed values carrying a stable reason string; no
// component panics across its boundary.
package errors

import (
	"fmt"
	"strings"
)

// Reason atoms for lookup and validation failures.
const (
	ReasonNotFound            = "not_found"
	ReasonAmbiguous           = "ambiguous"
	ReasonInvalidOnboardingID = "invalid_onboarding_id"
	ReasonInvalidRequest      = "invalid_request"
	ReasonInvalidJSON         = "invalid_json"
	ReasonBodyReadFailed      = "request_body_read_failed"

	ReasonBridgeNotFound   = "bridge_not_found"
	ReasonBridgeDisabled   = "bridge_disabled"
	ReasonInvalidSignature = "invalid_signature"

	ReasonQueueFull          = "queue_full"
	ReasonLoadShed           = "load_shed"
	ReasonMissingExternalID  = "missing_external_message_id"
	ReasonTimeout            = "timeout"
	ReasonNoRoutes           = "no_routes"
	ReasonNoRoute            = "no_route"
	ReasonExpired            = "expired"
	ReasonUnknownCapability  = "unknown_capability"
	ReasonMissingCallback    = "missing_callback"
	ReasonSenderClaim        = "sender_claim_mismatch"
	ReasonMediaPolicyDenied  = "media_policy_denied"
	ReasonTooLarge           = "too_large"
	ReasonMissingAdapter     = "missing_instance_module"
	ReasonAlreadyReplayed    = "already_replayed"
	ReasonDuplicateBinding   = "duplicate_binding"
	ReasonDuplicateExternal  = "duplicate_external_id"
	ReasonUnknownBridge      = "unknown_bridge"
	ReasonInvalidManifest    = "invalid_manifest"
	ReasonUnknownAdapter     = "unknown_adapter_module"
	ReasonUnsupportedVersion = "unsupported_manifest_version"
)

// Error is the base typed error. Reason is stable and machine-matched;
// Description is free-form and human-facing.
type Error struct {
	Reason      string
	Description string
	wrapped     error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return e.Reason + ": " + e.Description
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.wrapped)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches on reason so callers can compare against the sentinels below
// regardless of attached description or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// New creates a typed error with the given reason.
func New(reason string) *Error {
	return &Error{Reason: reason}
}

// Newf creates a typed error with a formatted description.
func Newf(reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Description: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a typed error.
func Wrap(reason string, err error) *Error {
	return &Error{Reason: reason, wrapped: err}
}

// Common sentinels. Compare with errors.Is.
var (
	ErrNotFound          = New(ReasonNotFound)
	ErrAmbiguous         = New(ReasonAmbiguous)
	ErrBridgeNotFound    = New(ReasonBridgeNotFound)
	ErrBridgeDisabled    = New(ReasonBridgeDisabled)
	ErrInvalidSignature  = New(ReasonInvalidSignature)
	ErrQueueFull         = New(ReasonQueueFull)
	ErrLoadShed          = New(ReasonLoadShed)
	ErrMissingExternalID = New(ReasonMissingExternalID)
	ErrTimeout           = New(ReasonTimeout)
	ErrNoRoutes          = New(ReasonNoRoutes)
	ErrNoRoute           = New(ReasonNoRoute)
	ErrExpired           = New(ReasonExpired)
	ErrTooLarge          = New(ReasonTooLarge)
	ErrMissingAdapter    = New(ReasonMissingAdapter)
)

// RevisionConflict reports an optimistic-concurrency failure on a config
// write. Both fields carry the store's current revision: Expected is what the
// caller should have supplied, Actual is what the store holds.
type RevisionConflict struct {
	Expected int64
	Actual   int64
}

func (e *RevisionConflict) Error() string {
	return fmt.Sprintf("revision_conflict: expected %d, actual %d", e.Expected, e.Actual)
}

// PolicyDenied reports a gating or moderation denial. The message was not
// persisted and no message signal was emitted.
type PolicyDenied struct {
	Stage       string // "gating" or "moderation"
	Reason      string
	Description string
}

func (e *PolicyDenied) Error() string {
	return fmt.Sprintf("policy_denied at %s: %s: %s", e.Stage, e.Reason, e.Description)
}

// SecurityDenied reports a verify-sender or sanitize-outbound denial.
type SecurityDenied struct {
	Stage       string // "verify_sender" or "sanitize_outbound"
	Reason      string
	Description string
}

func (e *SecurityDenied) Error() string {
	return fmt.Sprintf("security_denied at %s: %s: %s", e.Stage, e.Reason, e.Description)
}

// UnsupportedMedia reports a media preflight rejection with the individual
// causes (capability missing, callback missing, size over limit).
type UnsupportedMedia struct {
	Kind   string
	Causes []string
}

func (e *UnsupportedMedia) Error() string {
	return fmt.Sprintf("unsupported_media %s: %s", e.Kind, strings.Join(e.Causes, ", "))
}

// InvalidTransition reports an onboarding transition outside the allowed set
// for the flow's current status.
type InvalidTransition struct {
	From       string
	Transition string
	Allowed    []string
	Class      string // always "fatal"
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid_transition: %s -> %s (allowed: %s)",
		e.From, e.Transition, strings.Join(e.Allowed, ", "))
}

// FatalRequiredBridge reports a bootstrap diagnostic on a required bridge.
// Bootstrap fails fast when it is raised.
type FatalRequiredBridge struct {
	BridgeID   string
	Diagnostic string
	Path       string
}

func (e *FatalRequiredBridge) Error() string {
	return fmt.Sprintf("fatal_required_bridge_error: %s (%s) at %s", e.BridgeID, e.Diagnostic, e.Path)
}
