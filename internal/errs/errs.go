// Package errs defines the error taxonomy shared by the container codec,
// key store, vault, and remote layers, plus the process exit-code mapping
// used by the CLI.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the conditions callers dispatch on.
type Kind int

const (
	// Other is any error that does not fit a more specific kind.
	Other Kind = iota
	// NoActiveKey means the key store holds no active data-encryption key.
	NoActiveKey
	// WeakPassphrase means a passphrase failed the minimum-strength check.
	WeakPassphrase
	// KeyLengthInvalid means imported key material is not 32 bytes.
	KeyLengthInvalid
	// UnknownKey means no key record exists for the requested key id.
	UnknownKey
	// UnknownKeyForContainer means no stored key matches a container's key hash.
	UnknownKeyForContainer
	// AuthenticationFailed means an authentication tag did not verify.
	AuthenticationFailed
	// UnsupportedVersion means a container declares a format version this build does not read.
	UnsupportedVersion
	// UnknownAlgorithm means a container declares an algorithm id this build does not know.
	UnknownAlgorithm
	// MalformedContainer means bytes do not parse as any recognized container layout.
	MalformedContainer
	// UnauthenticatedLegacy marks a successful decrypt whose mode carries no
	// integrity protection. It is a warning: the plaintext is still delivered.
	UnauthenticatedLegacy
	// WrongPassword means a backup envelope did not open with the given passphrase.
	WrongPassword
	// RemoteUnavailable means the remote object store could not be reached or refused.
	RemoteUnavailable
	// IO wraps a local filesystem failure.
	IO
)

// String returns the stable name of the kind.
func (k Kind) String() string {
	switch k {
	case NoActiveKey:
		return "no_active_key"
	case WeakPassphrase:
		return "weak_passphrase"
	case KeyLengthInvalid:
		return "key_length_invalid"
	case UnknownKey:
		return "unknown_key"
	case UnknownKeyForContainer:
		return "unknown_key_for_container"
	case AuthenticationFailed:
		return "authentication_failed"
	case UnsupportedVersion:
		return "unsupported_version"
	case UnknownAlgorithm:
		return "unknown_algorithm"
	case MalformedContainer:
		return "malformed_container"
	case UnauthenticatedLegacy:
		return "unauthenticated_legacy"
	case WrongPassword:
		return "wrong_password"
	case RemoteUnavailable:
		return "remote_unavailable"
	case IO:
		return "io_error"
	default:
		return "error"
	}
}

// message is the default human-readable text for kinds whose wording is part
// of the user-facing contract.
func (k Kind) message() string {
	switch k {
	case NoActiveKey:
		return "no active encryption key; generate or import one first"
	case WeakPassphrase:
		return "passphrase must be at least 8 characters"
	case KeyLengthInvalid:
		return "key must be exactly 32 bytes"
	case UnknownKey:
		return "no such key"
	case UnknownKeyForContainer:
		return "no stored key matches this container"
	case AuthenticationFailed:
		return "this file was encrypted with a different key"
	case UnsupportedVersion:
		return "unsupported container version"
	case UnknownAlgorithm:
		return "unknown encryption algorithm"
	case MalformedContainer:
		return "not a valid encrypted container"
	case UnauthenticatedLegacy:
		return "decrypted with a legacy mode that has no integrity protection"
	case WrongPassword:
		return "wrong password"
	case RemoteUnavailable:
		return "remote storage unavailable"
	case IO:
		return "i/o error"
	default:
		return "internal error"
	}
}

// Error carries a classified failure through the call stack.
type Error struct {
	// Kind is the classification callers dispatch on.
	Kind Kind
	// Op names the operation that failed, e.g. "keystore.generate".
	Op string
	// Path is the file or object the operation touched, when there is one.
	Path string
	// Err is the underlying cause, if any.
	Err error
}

// E builds an Error. Path and Err are optional; pass "" and nil.
func E(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.message()
	switch {
	case e.Op != "" && e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, msg, e.Err)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	default:
		return msg
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err, walking wrapped errors. A nil error is
// Other; so is any error that carries no *Error in its chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Exit codes returned by the CLI.
const (
	ExitOK          = 0
	ExitGeneric     = 1
	ExitNoActiveKey = 2
	ExitAuthFailed  = 3
	ExitUnknownKey  = 4
	ExitRemote      = 5
)

// ExitCode maps an error to the CLI exit-code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case NoActiveKey:
		return ExitNoActiveKey
	case AuthenticationFailed, WrongPassword:
		return ExitAuthFailed
	case UnknownKeyForContainer:
		return ExitUnknownKey
	case RemoteUnavailable:
		return ExitRemote
	default:
		return ExitGeneric
	}
}
