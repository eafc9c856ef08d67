package job

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJob is matched by every validation failure at push time.
	ErrInvalidJob = errors.New("invalid job")

	// ErrMalformedPayload is matched by every payload that cannot be decoded.
	ErrMalformedPayload = errors.New("malformed job payload")
)

// InvalidJobError explains why a record was rejected.
type InvalidJobError struct {
	Reason string
}

func (e *InvalidJobError) Error() string {
	return fmt.Sprintf("invalid job: %s", e.Reason)
}

func (e *InvalidJobError) Is(target error) bool {
	return target == ErrInvalidJob
}

func invalid(format string, args ...any) error {
	return &InvalidJobError{Reason: fmt.Sprintf(format, args...)}
}

// MalformedPayloadError carries the (truncated) payload that failed to decode.
type MalformedPayloadError struct {
	Payload string
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed job payload: %v: %s", e.Err, e.Payload)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}
