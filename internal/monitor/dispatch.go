package monitor

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

// HandlerID identifies a registered handler for RemoveHandler.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn func(Event)
}

// registry maps kinds to handlers in registration order. Lists are replaced
// rather than mutated, so a snapshot stays valid while handlers run.
type registry struct {
	mu      sync.RWMutex
	nextID  HandlerID
	entries map[event.Kind][]handlerEntry
}

func (r *registry) add(kinds event.Kind, fn func(Event)) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[event.Kind][]handlerEntry)
	}
	r.nextID++
	id := r.nextID
	for _, k := range event.Kinds() {
		if kinds&k == 0 {
			continue
		}
		cur := r.entries[k]
		next := make([]handlerEntry, len(cur), len(cur)+1)
		copy(next, cur)
		r.entries[k] = append(next, handlerEntry{id: id, fn: fn})
	}
	return id
}

func (r *registry) remove(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for k, cur := range r.entries {
		next := make([]handlerEntry, 0, len(cur))
		for _, h := range cur {
			if h.id == id {
				found = true
				continue
			}
			next = append(next, h)
		}
		r.entries[k] = next
	}
	return found
}

func (r *registry) snapshot(kind event.Kind) []handlerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[kind]
}

// Subscribe registers fn for every kind in kinds.
func (m *Monitor) Subscribe(kinds event.Kind, fn func(Event)) HandlerID {
	return m.handlers.add(kinds, fn)
}

// RemoveHandler unregisters a handler. It reports whether id was registered.
func (m *Monitor) RemoveHandler(id HandlerID) bool {
	return m.handlers.remove(id)
}

func (m *Monitor) onConnection(kind event.Kind, fn func(ConnectionEvent)) HandlerID {
	return m.handlers.add(kind, func(ev Event) { fn(ev.(ConnectionEvent)) })
}

func (m *Monitor) onError(kind event.Kind, fn func(ErrorEvent)) HandlerID {
	return m.handlers.add(kind, func(ev Event) { fn(ev.(ErrorEvent)) })
}

func (m *Monitor) OnConnected(fn func(ConnectionEvent)) HandlerID {
	return m.onConnection(event.Connected, fn)
}

func (m *Monitor) OnConnectDelayed(fn func(ErrorEvent)) HandlerID {
	return m.onError(event.ConnectDelayed, fn)
}

func (m *Monitor) OnConnectRetried(fn func(RetryEvent)) HandlerID {
	return m.handlers.add(event.ConnectRetried, func(ev Event) { fn(ev.(RetryEvent)) })
}

func (m *Monitor) OnListening(fn func(ConnectionEvent)) HandlerID {
	return m.onConnection(event.Listening, fn)
}

func (m *Monitor) OnBindFailed(fn func(ErrorEvent)) HandlerID {
	return m.onError(event.BindFailed, fn)
}

func (m *Monitor) OnAccepted(fn func(ConnectionEvent)) HandlerID {
	return m.onConnection(event.Accepted, fn)
}

func (m *Monitor) OnAcceptFailed(fn func(ErrorEvent)) HandlerID {
	return m.onError(event.AcceptFailed, fn)
}

func (m *Monitor) OnClosed(fn func(ConnectionEvent)) HandlerID {
	return m.onConnection(event.Closed, fn)
}

func (m *Monitor) OnCloseFailed(fn func(ErrorEvent)) HandlerID {
	return m.onError(event.CloseFailed, fn)
}

func (m *Monitor) OnDisconnected(fn func(ConnectionEvent)) HandlerID {
	return m.onConnection(event.Disconnected, fn)
}

// dispatchOne reads exactly one record and dispatches it. A record that
// cannot be decoded is a protocol error.
func (m *Monitor) dispatchOne() error {
	rec, err := m.channel.Recv()
	if err != nil {
		if errors.Is(err, event.ErrMalformedRecord) {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return err
	}
	return m.dispatch(rec)
}

func (m *Monitor) dispatch(rec event.Record) error {
	var ev Event
	switch rec.Kind {
	case event.Connected, event.Listening, event.Accepted, event.Closed, event.Disconnected:
		ev = ConnectionEvent{Monitor: m, Kind: rec.Kind, Address: rec.Address, Handle: int(int32(rec.Value))}
	case event.ConnectDelayed, event.BindFailed, event.AcceptFailed, event.CloseFailed:
		ev = ErrorEvent{Monitor: m, Kind: rec.Kind, Address: rec.Address, Errno: syscall.Errno(rec.Value)}
	case event.ConnectRetried:
		ev = RetryEvent{Monitor: m, Kind: rec.Kind, Address: rec.Address, Interval: time.Duration(rec.Value) * time.Millisecond}
	default:
		return &ProtocolError{Kind: rec.Kind, Address: rec.Address}
	}

	log.WithFields(log.Fields{
		"endpoint": m.endpoint,
		"kind":     rec.Kind,
		"address":  rec.Address,
		"value":    rec.Value,
	}).Trace("Dispatching event")

	for _, h := range m.handlers.snapshot(rec.Kind) {
		h.fn(ev)
	}
	return nil
}
