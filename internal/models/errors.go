package models

import (
	"errors"
	"fmt"
)

// ErrorKind groups failures into the categories operators and callers react to.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindInvalidState  ErrorKind = "invalid_state"
	KindProcessLaunch ErrorKind = "process_launch_failed"
	KindNotFound      ErrorKind = "not_found"
)

// Error is the domain error returned by control-plane operations. Reason is a
// stable machine-readable code; Diagnostics carries captured encoder output
// for launch failures.
type Error struct {
	Kind        ErrorKind
	Reason      string
	Message     string
	Diagnostics string
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = e.Reason
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on Reason so callers can compare against the exported sentinels
// while still receiving contextual messages.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Reason == other.Reason
}

var (
	ErrInvalidCredential   = &Error{Kind: KindValidation, Reason: "invalid_credential", Message: "wrong PIN"}
	ErrMalformedStreamKey  = &Error{Kind: KindValidation, Reason: "malformed_stream_key", Message: "malformed stream key"}
	ErrUnknownOwner        = &Error{Kind: KindValidation, Reason: "unknown_owner", Message: "unknown owner"}
	ErrInactiveOwner       = &Error{Kind: KindValidation, Reason: "inactive_owner", Message: "owner is not active"}
	ErrUnknownDestination  = &Error{Kind: KindValidation, Reason: "unknown_destination", Message: "unknown relay destination"}
	ErrNotPending          = &Error{Kind: KindInvalidState, Reason: "not_pending", Message: "no pending request for camera"}
	ErrCameraNotReady      = &Error{Kind: KindInvalidState, Reason: "camera_not_ready", Message: "camera is not ready"}
	ErrChannelOffline      = &Error{Kind: KindInvalidState, Reason: "channel_offline", Message: "broadcast is not live"}
	ErrRelayActive         = &Error{Kind: KindInvalidState, Reason: "relay_active", Message: "a relay is already running"}
	ErrProcessLaunchFailed = &Error{Kind: KindProcessLaunch, Reason: "process_launch_failed", Message: "encoder failed to start"}
	ErrConnectionNotFound  = &Error{Kind: KindNotFound, Reason: "connection_not_found", Message: "camera connection not found"}
	ErrRelayAccountMissing = &Error{Kind: KindNotFound, Reason: "relay_account_missing", Message: "relay account not configured"}
)

// Wrapf derives a contextual error from a sentinel, preserving its kind and
// reason.
func Wrapf(sentinel *Error, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Reason:  sentinel.Reason,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
}

// LaunchFailed reports an encoder that could not start or exited during its
// startup window.
func LaunchFailed(role string, cause error, diagnostics string) *Error {
	return &Error{
		Kind:        KindProcessLaunch,
		Reason:      ErrProcessLaunchFailed.Reason,
		Message:     fmt.Sprintf("%s encoder failed to start", role),
		Diagnostics: diagnostics,
		Err:         cause,
	}
}

// KindOf returns the kind of a domain error, or the empty kind for anything
// else.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr != nil {
		return domainErr.Kind
	}
	return ""
}
