package domain

import "fmt"

// ConnectionError is returned when the message bus cannot be reached within
// the startup retry window. It is fatal to startup.
type ConnectionError struct {
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bus connection to %s failed: %v", e.Broker, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError is returned when a publish fails while the session is
// supposedly connected. The in-flight message is marked FAILED.
type TransportError struct {
	DeviceID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("publish to device %s failed: %v", e.DeviceID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SynthesisError is returned when the speech synthesis collaborator fails.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// TransmissionError is returned when synthesized audio cannot be delivered
// over the audio channel.
type TransmissionError struct {
	DeviceID string
	TrackID  string
	Err      error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("audio transmission to device %s (track %s) failed: %v", e.DeviceID, e.TrackID, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// CorrelationMismatchError describes an inbound event whose track ID does not
// match any pending delivery. It is logged and discarded, never raised to
// callers.
type CorrelationMismatchError struct {
	DeviceID string
	TrackID  string
}

func (e *CorrelationMismatchError) Error() string {
	return fmt.Sprintf("no pending delivery for device %s track %s", e.DeviceID, e.TrackID)
}

// DeviceNotFoundError is returned when a status query names a device that has
// never received a message.
type DeviceNotFoundError struct {
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found: %s", e.DeviceID)
}

// ValidationError is returned when a submission fails input validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError is returned when a device has exceeded its submission rate.
type RateLimitError struct {
	DeviceID string
	Limit    int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("device %s exceeded submission rate limit of %d", e.DeviceID, e.Limit)
}

// TrackNotFoundError is returned when an audit lookup misses.
type TrackNotFoundError struct {
	DeviceID string
	TrackID  string
}

func (e *TrackNotFoundError) Error() string {
	return fmt.Sprintf("no audit record for device %s track %s", e.DeviceID, e.TrackID)
}
