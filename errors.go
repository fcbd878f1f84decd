package isobus

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, comparable with errors.Is. Mirrors the error
// surface of the ISOBUS socket family: every public operation returns
// (possibly wrapped) one of these, the ctx error when its ctx is done
// (Endpoint.Recv), or nil.
var (
	// ErrNoSuchInterface is returned when a named interface does not exist
	// or is not a CAN device.
	ErrNoSuchInterface = errors.New("isobus: no such interface")
	// ErrInterfaceDown is reported alongside a successful bind when the
	// interface is administratively down.
	ErrInterfaceDown = errors.New("isobus: interface down")
	// ErrAddressInUse covers a failed address claim and any send/recv
	// attempted while the endpoint does not hold an address.
	ErrAddressInUse = errors.New("isobus: address in use")
	// ErrInvalidArgument covers malformed addresses, wrong address family,
	// incompatible PDU2+DA-mask filters, wrong-typed option values and
	// payloads longer than MaxPayloadLen.
	ErrInvalidArgument = errors.New("isobus: invalid argument")
	// ErrOutOfRange is returned for a priority outside 0..7.
	ErrOutOfRange = errors.New("isobus: value out of range")
	// ErrNoMemory covers failure while registering filters and failure of
	// the driver to accept a frame on send.
	ErrNoMemory = errors.New("isobus: no memory")
	// ErrNotSupported is returned for unknown option names and for the
	// connection-oriented operations ISOBUS does not support.
	ErrNotSupported = errors.New("isobus: not supported")
	// ErrDeviceGone is delivered asynchronously when the bound interface
	// is unregistered. Further operations then return ErrNoSuchInterface.
	ErrDeviceGone = errors.New("isobus: device gone")
	// ErrNetDown is delivered asynchronously when the bound interface
	// goes down.
	ErrNetDown = errors.New("isobus: network down")
)

// Error associates one of the sentinel kinds above with operation-specific
// context, the way the teacher wraps sentinel errors with fmt.Errorf
// elsewhere in this codebase.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("isobus: %s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("isobus: %s: %v", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// newErr builds an *Error for operation op, wrapping kind and optionally
// an underlying cause.
func newErr(op string, kind error, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// WrapErr builds an *Error for operation op, wrapping kind and optionally
// an underlying cause. It is the exported form of newErr, for packages
// outside isobus (such as endpoint) that need to report
// one of the sentinel kinds above with their own operation context.
func WrapErr(op string, kind error, cause error) error {
	return newErr(op, kind, cause)
}
