// Package deployerr defines the typed error surface returned by every
// deployment step.
//
// Callers match on the kind with errors.Is:
//
//	if errors.Is(err, deployerr.BinaryNotFound) { ... }
//
// and reach the step, reason, and user-facing text with errors.As.
package deployerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Kind classifies a deployment failure. A Kind is itself an error so it can
// be used as an errors.Is target.
type Kind string

const (
	BinaryNotFound         Kind = "binary_not_found"
	DownloadFailed         Kind = "download_failed"
	ExtractionFailed       Kind = "extraction_failed"
	ConfigGenerationFailed Kind = "config_generation_failed"
	ServiceInstallFailed   Kind = "service_install_failed"
	StartupFailed          Kind = "startup_failed"
	VerificationFailed     Kind = "verification_failed"
	NetworkUnavailable     Kind = "network_unavailable"
	InsufficientDiskSpace  Kind = "insufficient_disk_space"
	PermissionDenied       Kind = "permission_denied"
	Cancelled              Kind = "cancelled"
	Busy                   Kind = "busy"
	InvalidConfig          Kind = "invalid_config"
)

func (k Kind) Error() string { return string(k) }

// Error is a deployment failure. Step is empty until the orchestrator
// attributes the error to the step that produced it.
type Error struct {
	Kind   Kind
	Step   string
	Reason string
	Err    error
}

// New creates an Error of the given kind with a formatted reason.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around err. Permission errors and
// context cancellation take precedence over the requested kind so callers
// see PermissionDenied / Cancelled regardless of which step hit them.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return New(kind, format, args...)
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = Cancelled
	case errors.Is(err, os.ErrPermission):
		kind = PermissionDenied
	}
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// From converts any error into an *Error, defaulting to the given kind.
func From(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Wrap(kind, err, "%v", err)
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Step != "" {
		msg = e.Step + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil && e.Reason != e.Err.Error() {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, so errors.Is(err, deployerr.Busy) works for any
// Error of that kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// Message returns a human-readable description of the failure.
func (e *Error) Message() string {
	var base string
	switch e.Kind {
	case BinaryNotFound:
		base = "The agent binary could not be found"
	case DownloadFailed:
		base = "Downloading the agent failed"
	case ExtractionFailed:
		base = "The agent binary could not be put in place"
	case ConfigGenerationFailed:
		base = "Generating the agent configuration failed"
	case ServiceInstallFailed:
		base = "Installing the background service failed"
	case StartupFailed:
		base = "The agent service failed to start"
	case VerificationFailed:
		base = "The agent is not running after startup"
	case NetworkUnavailable:
		base = "The network is not reachable"
	case InsufficientDiskSpace:
		base = "There is not enough free disk space"
	case PermissionDenied:
		base = "Permission was denied"
	case Cancelled:
		base = "The deployment was cancelled"
	case Busy:
		base = "A deployment is already in progress"
	case InvalidConfig:
		base = "The deployment settings are invalid"
	default:
		base = "The deployment failed"
	}
	if e.Reason != "" {
		return base + ": " + e.Reason
	}
	return base
}

// Suggestion returns a recovery hint for the user, or "" when there is
// nothing actionable.
func (e *Error) Suggestion() string {
	switch e.Kind {
	case BinaryNotFound:
		return "Check the binary path, or switch to downloading the latest release."
	case DownloadFailed, NetworkUnavailable:
		return "Check network connectivity and try again."
	case InsufficientDiskSpace:
		return "Free up disk space on the datastore volume and try again."
	case PermissionDenied:
		return "Choose a directory you own, or try again with elevated privileges."
	case ServiceInstallFailed, StartupFailed:
		return "Check the service logs in the configured logs directory, then retry."
	case VerificationFailed:
		return "Check the agent logs; the configured ports may already be in use."
	case Busy:
		return "Wait for the current deployment to finish."
	case InvalidConfig:
		return "Review the deployment settings."
	}
	return ""
}

// MarshalJSON renders the error for API clients.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind       Kind   `json:"kind"`
		Step       string `json:"step,omitempty"`
		Message    string `json:"message"`
		Suggestion string `json:"suggestion,omitempty"`
		Detail     string `json:"detail"`
	}{e.Kind, e.Step, e.Message(), e.Suggestion(), e.Error()})
}
