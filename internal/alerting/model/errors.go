package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores and managers when the addressed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks a lifecycle transition that is not allowed from the current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict is returned when creating a record whose identity already exists.
	ErrConflict = errors.New("already exists")
)

// ConfigurationError rejects an invalid rule or channel payload at write time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ConfigErrorf builds a ConfigurationError for field.
func ConfigErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientSourceError wraps a metric source or database failure that is retried next tick.
type TransientSourceError struct {
	Source string
	Err    error
}

func (e *TransientSourceError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *TransientSourceError) Unwrap() error { return e.Err }

// DeliveryError is a channel transport failure. StatusCode is zero when no response was received.
type DeliveryError struct {
	ChannelType ChannelType
	StatusCode  int
	Err         error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s delivery failed: status %d: %v", e.ChannelType, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s delivery failed: %v", e.ChannelType, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StateError reports a rejected incident transition. It matches ErrInvalidState with errors.Is.
type StateError struct {
	IncidentID string
	From       IncidentStatus
	Action     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s incident %s in status %s", e.Action, e.IncidentID, e.From)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
