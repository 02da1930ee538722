package api

import (
	"time"

	"github.com/dmdmdm-nz/sockmon/internal/event"
	"github.com/dmdmdm-nz/sockmon/internal/relay"
)

// EventMessage is one event as streamed to websocket clients. Only the
// argument matching the kind is present.
type EventMessage struct {
	Seq        uint64    `json:"seq"`
	Kind       string    `json:"kind"`
	Address    string    `json:"address"`
	Handle     *int      `json:"handle,omitempty"`
	Errno      *uint32   `json:"errno,omitempty"`
	Error      string    `json:"error,omitempty"`
	IntervalMs *int64    `json:"intervalMs,omitempty"`
	Time       time.Time `json:"time"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func newEventMessage(ev relay.Event) EventMessage {
	msg := EventMessage{
		Seq:     ev.Seq,
		Kind:    ev.Kind.String(),
		Address: ev.Address,
		Time:    ev.Time,
	}
	switch ev.Kind {
	case event.ConnectRetried:
		ms := ev.Interval.Milliseconds()
		msg.IntervalMs = &ms
	case event.ConnectDelayed, event.BindFailed, event.AcceptFailed, event.CloseFailed:
		errno := uint32(ev.Errno)
		msg.Errno = &errno
		msg.Error = ev.Errno.Error()
	default:
		handle := ev.Handle
		msg.Handle = &handle
	}
	return msg
}
