package proto

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the protocol engine can surface.
type Kind int

const (
	KindInternal Kind = iota
	KindMalformedEnvelope
	KindMalformedHeaderLine
	KindUnsupportedProtocol
	KindUnsupportedMethod
	KindInvalidPublicKey
	KindEncryptFailed
	KindDecryptFailed
	KindRouteNotFound
)

var kindNames = map[Kind]string{
	KindInternal:            "INTERNAL_UNCLASSIFIED",
	KindMalformedEnvelope:   "MALFORMED_ENVELOPE",
	KindMalformedHeaderLine: "MALFORMED_HEADER_LINE",
	KindUnsupportedProtocol: "UNSUPPORTED_PROTOCOL",
	KindUnsupportedMethod:   "UNSUPPORTED_METHOD",
	KindInvalidPublicKey:    "INVALID_PUBLIC_KEY",
	KindEncryptFailed:       "ENCRYPT_FAILED",
	KindDecryptFailed:       "DECRYPT_FAILED",
	KindRouteNotFound:       "ROUTE_NOT_FOUND",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Recoverable reports whether the kind is a protocol error that is answered
// with its own status. Everything else is reported as a generic 500.
func (k Kind) Recoverable() bool {
	switch k {
	case KindMalformedEnvelope, KindMalformedHeaderLine, KindUnsupportedProtocol,
		KindUnsupportedMethod, KindInvalidPublicKey, KindRouteNotFound:
		return true
	}
	return false
}

// Error is a protocol failure carrying the status line it maps to.
type Error struct {
	Kind    Kind
	Status  int
	Keyword string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proto: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("proto: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test against the
// exported sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrMalformedEnvelope   = &Error{Kind: KindMalformedEnvelope}
	ErrMalformedHeaderLine = &Error{Kind: KindMalformedHeaderLine}
	ErrUnsupportedProtocol = &Error{Kind: KindUnsupportedProtocol}
	ErrUnsupportedMethod   = &Error{Kind: KindUnsupportedMethod}
	ErrInvalidPublicKey    = &Error{Kind: KindInvalidPublicKey}
	ErrEncryptFailed       = &Error{Kind: KindEncryptFailed}
	ErrDecryptFailed       = &Error{Kind: KindDecryptFailed}
	ErrRouteNotFound       = &Error{Kind: KindRouteNotFound}
)

func badRequest(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Status: StatusBadRequest, Keyword: KeywordBadRequest, Message: msg}
}

func MalformedEnvelope(sections int) *Error {
	return badRequest(KindMalformedEnvelope,
		fmt.Sprintf("Incorrect number of sections, expected %d but got %d.", sectionCount, sections))
}

// MessageTooLarge is reported when a message exceeds the transport limit.
func MessageTooLarge(limit int64) *Error {
	return badRequest(KindMalformedEnvelope, fmt.Sprintf("Message exceeds %d bytes.", limit))
}

// PlaintextRefused is reported for an unencrypted request other than the
// bootstrap key fetch.
func PlaintextRefused() *Error {
	return badRequest(KindMalformedEnvelope, "Only READ "+ResourceServerKey+" may be sent unencrypted.")
}

func MalformedHeaderLine() *Error {
	return badRequest(KindMalformedHeaderLine, "Malformed HoloHeader.")
}

func UnsupportedProtocol() *Error {
	return badRequest(KindUnsupportedProtocol, "Incorrect protocol, I only support "+ProtocolTag+".")
}

func UnsupportedMethod() *Error {
	return badRequest(KindUnsupportedMethod, "Unsupported method.")
}

func InvalidStatus() *Error {
	return badRequest(KindMalformedHeaderLine, "Status is not valid.")
}

func InvalidPublicKey(cause error) *Error {
	e := badRequest(KindInvalidPublicKey, "Invalid Public Key.")
	e.Err = cause
	return e
}

func RouteNotFound() *Error {
	return &Error{Kind: KindRouteNotFound, Status: StatusNotFound, Keyword: KeywordNotFound, Message: "Resource not found."}
}

func EncryptFailed(cause error) *Error {
	return internal(KindEncryptFailed, cause)
}

func DecryptFailed(cause error) *Error {
	return internal(KindDecryptFailed, cause)
}

func Internal(cause error) *Error {
	return internal(KindInternal, cause)
}

func internal(kind Kind, cause error) *Error {
	return &Error{
		Kind:    kind,
		Status:  StatusInternalError,
		Keyword: KeywordInternalError,
		Message: "Undefined error in the server!",
		Err:     cause,
	}
}

// AsError classifies err. Anything that is not already a *Error becomes an
// INTERNAL_UNCLASSIFIED failure wrapping it.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Internal(err)
}

// Public returns the error as it may be shown to a remote peer: recoverable
// kinds keep their message, everything else is the generic 500.
func (e *Error) Public() *Error {
	if e.Kind.Recoverable() {
		return &Error{Kind: e.Kind, Status: e.Status, Keyword: e.Keyword, Message: e.Message}
	}
	return &Error{
		Kind:    e.Kind,
		Status:  StatusInternalError,
		Keyword: KeywordInternalError,
		Message: "Undefined error in the server!",
	}
}
