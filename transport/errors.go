package transport

import (
	"errors"
	"fmt"
)

var ErrBudgetExhausted = errors.New("max reconnection attempts reached")

// ConnectionError is a dial, read, write or keepalive failure. Inside the
// channel it only drives the reconnect policy and is never published.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type MalformedMessageError struct {
	Raw string
	Err error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message %q: %v", e.Raw, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// RemoteError carries an error frame sent by the backend.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "backend error: " + e.Message
}
