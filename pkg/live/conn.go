// Package live tracks live client connections by subscription key and fans
// task events out to them.
package live

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrConnClosed is returned by Send once a connection has left the Open state.
	ErrConnClosed = errors.New("live: connection closed")

	// ErrSendBufferFull is returned by Send when the per-connection queue is full.
	ErrSendBufferFull = errors.New("live: send buffer full")

	// ErrInvalidKey is returned when a subscription key cannot be parsed.
	ErrInvalidKey = errors.New("live: invalid subscription key")
)

// Conn is one live duplex client connection.
//
// Send must not block on the transport: implementations enqueue the frame
// onto a bounded per-connection buffer drained by a single writer.
type Conn interface {
	// ID returns the process-unique connection identifier.
	ID() string

	// Open reports whether the connection still accepts frames. Advisory only.
	Open() bool

	// Send enqueues one text frame.
	Send(payload []byte) error
}

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ProjectKey subscribes a connection to every task event of one project.
type ProjectKey int64

// UserKey subscribes a connection to direct deliveries for one user.
type UserKey int64

func (k ProjectKey) String() string { return "project:" + strconv.FormatInt(int64(k), 10) }

func (k UserKey) String() string { return "user:" + strconv.FormatInt(int64(k), 10) }

// ParseProjectKey parses a project identifier taken from a handshake path.
// Only positive integers are accepted.
func ParseProjectKey(raw string) (ProjectKey, error) {
	id, err := parsePositiveID(raw)
	if err != nil {
		return 0, err
	}
	return ProjectKey(id), nil
}

func parsePositiveID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty identifier", ErrInvalidKey)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidKey, raw)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: %d is not positive", ErrInvalidKey, id)
	}
	return id, nil
}
