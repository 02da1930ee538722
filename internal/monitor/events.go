package monitor

import (
	"fmt"
	"syscall"
	"time"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

// Event is the argument passed to kind-agnostic handlers. Its dynamic type is
// ConnectionEvent, ErrorEvent or RetryEvent.
type Event interface {
	EventKind() event.Kind
	EventAddress() string
	String() string
}

// ConnectionEvent is dispatched for Connected, Listening, Accepted, Closed
// and Disconnected.
type ConnectionEvent struct {
	Monitor *Monitor
	Kind    event.Kind
	Address string
	Handle  int
}

func (e ConnectionEvent) EventKind() event.Kind { return e.Kind }
func (e ConnectionEvent) EventAddress() string  { return e.Address }
func (e ConnectionEvent) String() string {
	return fmt.Sprintf("%s %s handle=%d", e.Kind, e.Address, e.Handle)
}

// ErrorEvent is dispatched for ConnectDelayed, BindFailed, AcceptFailed and
// CloseFailed.
type ErrorEvent struct {
	Monitor *Monitor
	Kind    event.Kind
	Address string
	Errno   syscall.Errno
}

func (e ErrorEvent) EventKind() event.Kind { return e.Kind }
func (e ErrorEvent) EventAddress() string  { return e.Address }
func (e ErrorEvent) String() string {
	return fmt.Sprintf("%s %s errno=%d (%v)", e.Kind, e.Address, uint32(e.Errno), e.Errno)
}

// RetryEvent is dispatched for ConnectRetried.
type RetryEvent struct {
	Monitor  *Monitor
	Kind     event.Kind
	Address  string
	Interval time.Duration
}

func (e RetryEvent) EventKind() event.Kind { return e.Kind }
func (e RetryEvent) EventAddress() string  { return e.Address }
func (e RetryEvent) String() string {
	return fmt.Sprintf("%s %s interval=%s", e.Kind, e.Address, e.Interval)
}
