// internal/fault/fault.go
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every failure the engine can observe.
// Configuration kinds are never retried; transport kinds are.
type Kind uint8

const (
	KindUnknown Kind = iota

	// ---- configuration ----
	InvalidAddress
	UnresolvableAddress
	ReadOnly
	InvalidValue

	// ---- transport / device ----
	Timeout
	DeviceError
	NetworkError
	IllegalAddress
	WriteRejected
	WriteAbandoned
	ObjectNotFound
	PropertyNotFound
	NoSuchObject
	AuthorizationError
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	InvalidAddress:      "invalid address",
	UnresolvableAddress: "unresolvable address",
	ReadOnly:            "read only",
	InvalidValue:        "invalid value",
	Timeout:             "timeout",
	DeviceError:         "device error",
	NetworkError:        "network error",
	IllegalAddress:      "illegal address",
	WriteRejected:       "write rejected",
	WriteAbandoned:      "write abandoned",
	ObjectNotFound:      "object not found",
	PropertyNotFound:    "property not found",
	NoSuchObject:        "no such object",
	AuthorizationError:  "authorization error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Retriable reports whether the scheduler and write coordinator may retry
// an operation that failed with this kind.
func (k Kind) Retriable() bool {
	switch k {
	case Timeout, DeviceError, NetworkError:
		return true
	default:
		return false
	}
}

// Config reports whether the kind is a configuration error.
func (k Kind) Config() bool {
	switch k {
	case InvalidAddress, UnresolvableAddress, ReadOnly, InvalidValue:
		return true
	default:
		return false
	}
}

// Error is the single error type crossing package boundaries.
type Error struct {
	Kind Kind

	// DeviceCode is copied verbatim from the device (Modbus exception code,
	// SNMP error status). 0 means none.
	DeviceCode uint16

	Op  string
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.DeviceCode != 0 {
		msg = fmt.Sprintf("%s (code=%d)", msg, e.DeviceCode)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches bare sentinels by kind, so errors.Is(err, fault.ErrTimeout)
// holds for any timeout regardless of op or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.DeviceCode == 0 && t.Kind == e.Kind
}

// Code exposes the raw device code.
func (e *Error) Code() uint16 { return e.DeviceCode }

// Sentinels for errors.Is.
var (
	ErrInvalidAddress      = &Error{Kind: InvalidAddress}
	ErrUnresolvableAddress = &Error{Kind: UnresolvableAddress}
	ErrReadOnly            = &Error{Kind: ReadOnly}
	ErrInvalidValue        = &Error{Kind: InvalidValue}
	ErrTimeout             = &Error{Kind: Timeout}
	ErrDeviceError         = &Error{Kind: DeviceError}
	ErrNetworkError        = &Error{Kind: NetworkError}
	ErrIllegalAddress      = &Error{Kind: IllegalAddress}
	ErrWriteRejected       = &Error{Kind: WriteRejected}
	ErrWriteAbandoned      = &Error{Kind: WriteAbandoned}
	ErrObjectNotFound      = &Error{Kind: ObjectNotFound}
	ErrPropertyNotFound    = &Error{Kind: PropertyNotFound}
	ErrNoSuchObject        = &Error{Kind: NoSuchObject}
	ErrAuthorizationError  = &Error{Kind: AuthorizationError}
)

// New wraps err with a kind and an operation label.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error with a formatted cause.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Device builds a DeviceError carrying the raw device code.
func Device(op string, code uint16) *Error {
	return &Error{Kind: DeviceError, Op: op, DeviceCode: code}
}

// KindOf extracts the kind from any error.
// Context deadline maps to Timeout; anything unclassified is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return KindUnknown
}

// Classify guarantees a *Error. Unknown transport failures become
// NetworkError so the retry policy still applies to them.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(Timeout, op, err)
	}
	return New(NetworkError, op, err)
}

// CodeOf extracts a best-effort device code without assuming concrete types.
// Returns 1 (generic) for errors that carry no code.
func CodeOf(err error) uint16 {
	if err == nil {
		return 0
	}

	type coder interface{ Code() uint16 }

	var c coder
	if errors.As(err, &c) && c.Code() != 0 {
		return c.Code()
	}
	return 1
}
