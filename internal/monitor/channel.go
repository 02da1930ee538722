package monitor

import (
	"time"

	"github.com/joeycumines/go-eventloop"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

// Channel is the monitoring channel a Monitor reads event records from.
// *transport.Channel implements it.
type Channel interface {
	Connect(endpoint string) error
	Disconnect(endpoint string) error
	// Poll waits up to timeout for a record to become readable.
	Poll(timeout time.Duration) (bool, error)
	// Recv reads one record without blocking, returning event.ErrNoRecord
	// when nothing is queued.
	Recv() (event.Record, error)
	// FD returns the descriptor to register with a Poller while connected.
	FD() int
	Close() error
}

// Poller is an externally driven readiness loop shared by many resources.
// *eventloop.Loop implements it; callbacks run on the loop goroutine.
type Poller interface {
	RegisterFD(fd int, events eventloop.IOEvents, callback func(events eventloop.IOEvents)) error
	UnregisterFD(fd int) error
}
