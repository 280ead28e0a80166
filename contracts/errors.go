package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRoute is returned when a route fails validation
	ErrInvalidRoute = errors.New("courier: invalid route")

	// ErrCallTimeout is returned when no correlated reply arrived in time
	ErrCallTimeout = errors.New("courier: rpc call timed out")

	// ErrCorrelationMismatch marks a reply whose correlation id matches no pending call.
	// Such replies are dropped, never matched.
	ErrCorrelationMismatch = errors.New("courier: correlation id mismatch")

	// ErrNotInitialized is returned when Publish or Listen runs before Init
	ErrNotInitialized = errors.New("courier: endpoint not initialized")

	// ErrNoReply is returned when a transport cannot carry replies
	ErrNoReply = errors.New("courier: transport does not carry replies")
)

// SetupError is a topology or service registration failure during startup
type SetupError struct {
	Route Route
	Op    string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("courier setup error: %s for %s: %v", e.Op, e.Route, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// DeliveryError is a rejected publish or consume call
type DeliveryError struct {
	Route Route
	Op    string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("courier delivery error: %s for %s: %v", e.Op, e.Route, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// HandlerError is returned by a listener whose handler failed.
// The message it was handling stays unacknowledged until the channel closes.
type HandlerError struct {
	Route Route
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("courier handler error: %s: %v", e.Route, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsSetupError reports whether err is a SetupError
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// IsDeliveryError reports whether err is a DeliveryError
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}
