package relay

import (
	"fmt"
	"syscall"
	"time"

	"github.com/dmdmdm-nz/sockmon/internal/event"
	"github.com/dmdmdm-nz/sockmon/internal/monitor"
)

// Event is a dispatched socket lifecycle event as kept in the history and
// handed to subscribers. Only the field matching the kind's argument is set.
type Event struct {
	Seq      uint64
	Time     time.Time
	Kind     event.Kind
	Address  string
	Handle   int
	Errno    syscall.Errno
	Interval time.Duration
}

func (e Event) String() string {
	switch e.Kind {
	case event.ConnectRetried:
		return fmt.Sprintf("#%d %s %s interval=%s", e.Seq, e.Kind, e.Address, e.Interval)
	case event.ConnectDelayed, event.BindFailed, event.AcceptFailed, event.CloseFailed:
		return fmt.Sprintf("#%d %s %s errno=%d", e.Seq, e.Kind, e.Address, uint32(e.Errno))
	default:
		return fmt.Sprintf("#%d %s %s handle=%d", e.Seq, e.Kind, e.Address, e.Handle)
	}
}

func fromMonitorEvent(ev monitor.Event, now time.Time) Event {
	out := Event{
		Time:    now,
		Kind:    ev.EventKind(),
		Address: ev.EventAddress(),
	}
	switch ev := ev.(type) {
	case monitor.ConnectionEvent:
		out.Handle = ev.Handle
	case monitor.ErrorEvent:
		out.Errno = ev.Errno
	case monitor.RetryEvent:
		out.Interval = ev.Interval
	}
	return out
}
