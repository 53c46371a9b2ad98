package transfer

import (
	"errors"
	"fmt"
)

// Common errors for the transfer engine.
var (
	// ErrHeaderTooLarge indicates the peer sent more than MaxHeaderSize bytes
	// without a delimiter.
	ErrHeaderTooLarge = errors.New("metadata header exceeds maximum size")

	// ErrMalformedHeader indicates a metadata header that could not be parsed
	// or failed validation.
	ErrMalformedHeader = errors.New("malformed metadata header")

	// ErrShortBody indicates the connection ended before the declared body
	// size was received.
	ErrShortBody = errors.New("connection closed before declared body size")

	// ErrUnsafeFileName indicates a file name that would escape the save
	// directory.
	ErrUnsafeFileName = errors.New("unsafe file name")

	// ErrEngineClosed indicates an operation on a closed engine.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNotListening indicates the engine has no active listener.
	ErrNotListening = errors.New("engine is not listening")
)

// OpError wraps a network failure with the operation and address involved.
type OpError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *OpError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("flux %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("flux %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// newOpError creates a new OpError.
func newOpError(op, addr string, err error) *OpError {
	return &OpError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
