package chatsync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransportUnavailable is returned by Emit while the socket is not connected.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrDeliveryTimeout marks a send whose echo did not arrive in time.
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrDuplicateDelivery is absorbed by the engine and never surfaced to callers.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
	// ErrUnknownMessage is returned for correlation ids the engine has never seen.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotRetryable is returned by Retry for messages that are not failed.
	ErrNotRetryable = errors.New("message is not in failed state")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message content is empty")
)

// APIError is the error returned for non-2xx REST responses.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// DeliveryFailedError is recorded when the REST fallback fails.
type DeliveryFailedError struct {
	CorrelationID string
	Err           error
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery of %s failed: %v", e.CorrelationID, e.Err)
}

func (e *DeliveryFailedError) Unwrap() error { return e.Err }

// MalformedPayloadError is reported for inbound events missing required fields.
type MalformedPayloadError struct {
	Event   string
	Missing []string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: missing %s", e.Event, strings.Join(e.Missing, ", "))
}

// IsMalformed reports whether err is a *MalformedPayloadError.
func IsMalformed(err error) bool {
	var m *MalformedPayloadError
	return errors.As(err, &m)
}
