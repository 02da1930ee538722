// Package relay fans the events dispatched by one monitor out to any number
// of subscribers, keeping a bounded history and per-kind counters.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/sockmon/internal/event"
	"github.com/dmdmdm-nz/sockmon/internal/monitor"
	"github.com/dmdmdm-nz/sockmon/internal/runtime"
)

const (
	DefaultHistory = 256

	// maxSubscriberQueue bounds what a slow subscriber may fall behind by
	// before its oldest events are dropped.
	maxSubscriberQueue = 4096
)

type Options struct {
	// Poller, when set, drives the monitor through a shared readiness loop
	// instead of a dedicated goroutine.
	Poller  monitor.Poller
	History int
}

type Status struct {
	Endpoint    string            `json:"endpoint"`
	Running     bool              `json:"running"`
	Mode        string            `json:"mode"`
	Error       string            `json:"error,omitempty"`
	Events      uint64            `json:"events"`
	Counts      map[string]uint64 `json:"counts"`
	Subscribers int               `json:"subscribers"`
	Dropped     uint64            `json:"dropped"`
}

type Service struct {
	m    *monitor.Monitor
	opts Options
	now  func() time.Time

	mu       sync.RWMutex
	history  []Event
	counts   map[event.Kind]uint64
	seq      uint64
	subsMu   sync.Mutex
	subs     map[int]*runtime.SubQueue[Event]
	nextID   int
	closed   bool

	// dropped accumulates the drops of subscriptions that have ended.
	dropped atomic.Uint64
}

func NewService(m *monitor.Monitor, opts Options) *Service {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	return &Service{
		m:      m,
		opts:   opts,
		now:    time.Now,
		counts: make(map[event.Kind]uint64),
		subs:   make(map[int]*runtime.SubQueue[Event]),
	}
}

// Subscribe returns the retained history followed by live events. The
// returned func unsubscribes and closes the channel.
func (s *Service) Subscribe() (<-chan Event, func()) {
	sub := runtime.NewSubQueue[Event](64, maxSubscriberQueue)

	// Snapshot and register under the same lock record holds while
	// broadcasting, so no event is missed or delivered twice.
	s.mu.RLock()
	snapshot := make([]Event, len(s.history))
	copy(snapshot, s.history)
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	if s.closed {
		sub.Close()
	} else {
		s.subs[id] = sub
	}
	s.subsMu.Unlock()
	s.mu.RUnlock()

	sub.Prime(snapshot)
	sub.SetPaused(false)

	unsub := func() {
		s.subsMu.Lock()
		if q, ok := s.subs[id]; ok {
			delete(s.subs, id)
			s.dropped.Add(q.Dropped())
			q.Close()
		}
		s.subsMu.Unlock()
	}
	return sub.Chan(), unsub
}

// Start registers the relay with the monitor and drives it until ctx is
// cancelled or the monitor fails.
func (s *Service) Start(ctx context.Context) error {
	log.WithFields(log.Fields{
		"endpoint": s.m.Endpoint(),
		"poller":   s.opts.Poller != nil,
	}).Info("Starting socket event relay")

	id := s.m.Subscribe(event.All, s.record)
	defer s.m.RemoveHandler(id)

	if s.opts.Poller != nil {
		return s.runAttached(ctx)
	}
	return s.runSelfDriven(ctx)
}

func (s *Service) runSelfDriven(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.m.Start() }()

	select {
	case <-ctx.Done():
		log.Info("Stopping socket event relay")
		return filterClosed(s.stopMonitor(errCh))
	case err := <-errCh:
		return filterClosed(err)
	}
}

// stopMonitor stops the monitor and returns what Start returned. Stop is a
// no-op until Start has connected, so it is repeated every poll timeout
// until Start returns.
func (s *Service) stopMonitor(errCh <-chan error) error {
	for {
		if err := s.m.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop monitor")
		}
		select {
		case err := <-errCh:
			return err
		case <-time.After(s.m.Timeout()):
		}
	}
}

func (s *Service) runAttached(ctx context.Context) error {
	if err := s.m.AttachToPoller(s.opts.Poller); err != nil {
		return filterClosed(err)
	}
	<-ctx.Done()

	log.Info("Stopping socket event relay")
	if err := s.m.DetachFromPoller(); err != nil && !errors.Is(err, monitor.ErrNotAttached) {
		log.WithError(err).Warn("Failed to detach monitor")
	}
	if err := s.m.Err(); err != nil {
		return fmt.Errorf("monitor %s: %w", s.m.Endpoint(), err)
	}
	return nil
}

// Status reports the monitor state and the relay counters.
func (s *Service) Status() Status {
	st := Status{
		Endpoint: s.m.Endpoint(),
		Running:  s.m.IsRunning(),
		Mode:     s.m.Mode().String(),
		Counts:   make(map[string]uint64),
	}
	if err := s.m.Err(); err != nil {
		st.Error = err.Error()
	}

	s.subsMu.Lock()
	st.Subscribers = len(s.subs)
	st.Dropped = s.dropped.Load()
	for _, q := range s.subs {
		st.Dropped += q.Dropped()
	}
	s.subsMu.Unlock()

	s.mu.RLock()
	st.Events = s.seq
	for k, n := range s.counts {
		st.Counts[k.String()] = n
	}
	s.mu.RUnlock()
	return st
}

// Close closes every subscription and the monitor. Calling Close more than
// once is a no-op.
func (s *Service) Close() error {
	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		return nil
	}
	s.closed = true
	for id, q := range s.subs {
		q.Close()
		delete(s.subs, id)
	}
	s.subsMu.Unlock()

	return s.m.Close()
}

// record runs on the monitor's dispatch goroutine.
func (s *Service) record(mev monitor.Event) {
	ev := fromMonitorEvent(mev, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev.Seq = s.seq
	s.counts[ev.Kind]++
	if len(s.history) >= s.opts.History {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, ev)

	log.WithFields(log.Fields{
		"endpoint": s.m.Endpoint(),
		"kind":     ev.Kind,
		"address":  ev.Address,
	}).Info(ev.String())

	s.subsMu.Lock()
	for _, sub := range s.subs {
		sub.Enqueue(ev)
	}
	s.subsMu.Unlock()
}

func filterClosed(err error) error {
	if errors.Is(err, monitor.ErrClosed) {
		return nil
	}
	return err
}
