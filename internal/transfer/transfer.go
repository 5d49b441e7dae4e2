// Package transfer is the artifact transfer service the update pipeline
// delegates downloads to. Callers enqueue a request, receive an opaque
// handle, and learn about completion through a broadcast subscription.
package transfer

import (
	"context"
	"errors"
	"fmt"
)

// Handle correlates an enqueued request with its later notifications.
type Handle string

// Request describes one artifact download.
type Request struct {
	URI                    string
	Title                  string
	Description            string
	DestinationPath        string
	MimeType               string
	AllowMeteredAndRoaming bool
}

// State is the lifecycle state of a transfer.
type State int

const (
	StatusPending State = iota
	StatusRunning
	StatusSuccessful
	StatusFailed
)

func (s State) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSuccessful:
		return "successful"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the answer to a Query. Reason is only meaningful for
// StatusFailed.
type Status struct {
	Handle     Handle
	State      State
	Reason     int
	BytesDone  int64
	BytesTotal int64
}

// Reason codes reported with StatusFailed. An HTTP response the service does
// not handle is reported with its status code instead.
const (
	ErrorUnknown           = 1000
	ErrorFileError         = 1001
	ErrorUnhandledHTTPCode = 1002
	ErrorHTTPDataError     = 1004
	ErrorInsufficientSpace = 1006
	ErrorUnsupportedSource = 1010
	ErrorCancelled         = 1011
)

// EventKind distinguishes progress from completion events.
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
)

func (k EventKind) String() string {
	if k == EventCompleted {
		return "completed"
	}
	return "progress"
}

// Event is broadcast to every subscriber for every transfer. Progress is a
// percentage, or -1 when the total size is unknown.
type Event struct {
	Kind     EventKind
	Handle   Handle
	Progress int
}

// Subscription is one registration for broadcast events. Done is closed when
// the subscription is released by either side.
type Subscription interface {
	Events() <-chan Event
	Done() <-chan struct{}
	Close() error
}

// Notifier hands out subscriptions to completion broadcasts.
type Notifier interface {
	Subscribe() (Subscription, error)
}

// Service is the platform transfer service.
type Service interface {
	Notifier
	Enqueue(ctx context.Context, req Request) (Handle, error)
	Query(ctx context.Context, h Handle) (Status, error)
	Remove(ctx context.Context, h Handle) error
}

var (
	// ErrNotSubscribed is returned when releasing a subscription twice.
	ErrNotSubscribed = errors.New("transfer: not subscribed")
	ErrUnknownHandle = errors.New("transfer: unknown handle")
	ErrClosed        = errors.New("transfer: service closed")
)

// ReasonError carries the reason code a failed transfer is reported with.
type ReasonError struct {
	Reason int
	Err    error
}

func (e *ReasonError) Error() string {
	return fmt.Sprintf("transfer failed (reason %d): %v", e.Reason, e.Err)
}

func (e *ReasonError) Unwrap() error {
	return e.Err
}

// Fail wraps err with a reason code.
func Fail(reason int, err error) error {
	return &ReasonError{Reason: reason, Err: err}
}

// ReasonFor maps an error from a transfer job to its reason code.
func ReasonFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return ErrorCancelled
	}
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ErrorUnknown
}
