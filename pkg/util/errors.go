// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the failure taxonomy surfaced by flow execution and
// the HTTP layer.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrValidationFailed  = errors.New("validation failed")
	ErrDeviceOffline     = errors.New("device offline")
	ErrTransport         = errors.New("transport error")
	ErrElementNotFound   = errors.New("element not found")
	ErrScreenMismatch    = errors.New("screen validation failed")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrQueueOverflow     = errors.New("device queue overflow")
	ErrNavigationFailed  = errors.New("navigation attempts exhausted")
	ErrCancelled         = errors.New("execution cancelled")
	ErrInternal          = errors.New("internal error")
	ErrNotConnected      = errors.New("device not connected")
	ErrDeviceBusy        = errors.New("device busy with another flow")
	ErrCommandExpired    = errors.New("queued command expired")
)

// TransportError wraps a failed transport call with the device and command
// that failed.
type TransportError struct {
	Device  string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on %s: %v", e.Op, e.Device, e.Err)
}

func (e *TransportError) Unwrap() error {
	return ErrTransport
}

// NewTransportError creates a transport error
func NewTransportError(device, op string, err error) *TransportError {
	return &TransportError{Device: device, Op: op, Err: err}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}

// NotFoundError identifies a missing resource by kind and id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// OfflineError carries the device that was unreachable and whether the work
// was deferred to the command queue.
type OfflineError struct {
	Device   string
	Deferred bool
}

func (e *OfflineError) Error() string {
	if e.Deferred {
		return fmt.Sprintf("device %s offline, command queued for replay", e.Device)
	}
	return fmt.Sprintf("device %s offline", e.Device)
}

func (e *OfflineError) Unwrap() error {
	return ErrDeviceOffline
}

// NewOfflineError creates an offline error
func NewOfflineError(device string, deferred bool) *OfflineError {
	return &OfflineError{Device: device, Deferred: deferred}
}
