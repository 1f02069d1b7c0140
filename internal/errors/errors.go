// Package errors defines the error taxonomy shared by the remediation
// pipeline. Kinds drive retry and accounting decisions: transient network
// errors are retried at the client, storage errors trigger degraded mode,
// policy denials escalate immediately, and unknown verification outcomes
// consume attempt budget without recording a failure pattern.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes an error for routing decisions.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindTransientNetwork   Kind = "transient_network"
	KindRemoteUnavailable  Kind = "remote_unavailable"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindPolicyDeny         Kind = "policy_deny"
	KindTimeout            Kind = "timeout"
	KindUnknownOutcome     Kind = "unknown_outcome"
)

// Base errors for errors.Is checks.
var (
	ErrPolicyDeny         = errors.New("policy deny")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrRemoteUnavailable  = errors.New("remote unavailable")
	ErrTimeout            = errors.New("timeout")
	ErrUnknownOutcome     = errors.New("unknown outcome")
)

// RemedyError is a structured error carrying the failing operation and the
// target it failed against.
type RemedyError struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "ssh_execute", "verify_resolution"
	Target    string // host, instance, or endpoint
	Err       error
	Timestamp time.Time
}

func (e *RemedyError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RemedyError) Unwrap() error {
	return e.Err
}

// Is maps kinds onto the package base errors.
func (e *RemedyError) Is(target error) bool {
	switch target {
	case ErrPolicyDeny:
		return e.Kind == KindPolicyDeny
	case ErrStorageUnavailable:
		return e.Kind == KindStorageUnavailable
	case ErrRemoteUnavailable:
		return e.Kind == KindRemoteUnavailable
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrUnknownOutcome:
		return e.Kind == KindUnknownOutcome
	}
	return errors.Is(e.Err, target)
}

// New creates a RemedyError.
func New(kind Kind, op, target string, err error) *RemedyError {
	return &RemedyError{
		Kind:      kind,
		Op:        op,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// KindOf returns the kind of an error, or empty when it is not a RemedyError.
func KindOf(err error) Kind {
	var re *RemedyError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsRetryable reports whether retrying the same operation can succeed.
// Policy denials and validation errors never become retryable.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindStorageUnavailable:
		return true
	case KindValidation, KindPolicyDeny:
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRemoteUnavailable)
}
