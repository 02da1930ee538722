// Package monitor republishes the lifecycle events a socket reports on its
// monitoring channel as typed callbacks.
//
// A Monitor is driven in one of two mutually exclusive modes. Start runs a
// blocking poll loop on the calling goroutine until Stop is called from
// another goroutine. AttachToPoller instead registers the channel with a
// shared readiness loop (an *eventloop.Loop) and dispatches one record per
// readiness notification on that loop's goroutine, until DetachFromPoller.
//
// Control calls (Start, Stop, AttachToPoller, DetachFromPoller, Close) are
// expected to come from a single controlling goroutine.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-eventloop"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds each poll of the self-driven loop, and therefore how
// long Stop may take to be observed.
const DefaultTimeout = 500 * time.Millisecond

// Mode is the driving mode of a Monitor.
type Mode int32

const (
	Idle Mode = iota
	SelfDriven
	PollerAttached
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case SelfDriven:
		return "self-driven"
	case PollerAttached:
		return "poller-attached"
	default:
		return "unknown"
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout sets the poll timeout of the self-driven loop.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.SetTimeout(d) }
}

// WithTeardownErrorHandler receives errors raised while disconnecting the
// channel on stop or detach. Those errors never prevent the transition to
// stopped.
func WithTeardownErrorHandler(fn func(error)) Option {
	return func(m *Monitor) { m.onTeardownError = fn }
}

// WithFaultHandler receives the protocol error that made the monitor
// unusable. In poller mode this is the only place it surfaces besides Err.
func WithFaultHandler(fn func(error)) Option {
	return func(m *Monitor) { m.onFault = fn }
}

// Monitor reads lifecycle event records from a monitoring channel and
// invokes the handlers registered for their kind.
type Monitor struct {
	endpoint    string
	channel     Channel
	ownsChannel bool
	release     func()

	timeout atomic.Int64
	mode    atomic.Int32
	running atomic.Bool
	cancel  atomic.Bool
	stopped *doneSignal
	fault   atomic.Pointer[error]

	mu     sync.Mutex
	poller Poller
	pollFD int
	closed bool

	handlers        registry
	onTeardownError func(error)
	onFault         func(error)
}

// Wrap creates a Monitor around a channel owned by the caller. Close never
// closes ch.
func Wrap(ch Channel, endpoint string, opts ...Option) *Monitor {
	return newMonitor(ch, endpoint, false, opts)
}

func newMonitor(ch Channel, endpoint string, owns bool, opts []Option) *Monitor {
	m := &Monitor{
		endpoint:    endpoint,
		channel:     ch,
		ownsChannel: owns,
		stopped:     newDoneSignal(),
		pollFD:      -1,
	}
	m.timeout.Store(int64(DefaultTimeout))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Endpoint returns the monitoring address.
func (m *Monitor) Endpoint() string { return m.endpoint }

// IsRunning reports whether the monitor is between a successful Start or
// AttachToPoller and the matching Stop or DetachFromPoller.
func (m *Monitor) IsRunning() bool { return m.running.Load() }

// Mode returns the current driving mode.
func (m *Monitor) Mode() Mode { return Mode(m.mode.Load()) }

func (m *Monitor) Timeout() time.Duration { return time.Duration(m.timeout.Load()) }

// SetTimeout changes the poll timeout; it applies from the next poll.
// Non-positive values restore DefaultTimeout.
func (m *Monitor) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	m.timeout.Store(int64(d))
}

// Stopped returns a channel that is closed while the monitor is fully
// stopped.
func (m *Monitor) Stopped() <-chan struct{} { return m.stopped.Done() }

// Err returns the protocol error that faulted the monitor, if any.
func (m *Monitor) Err() error {
	if p := m.fault.Load(); p != nil {
		return *p
	}
	return nil
}

// Start connects the channel and dispatches records on the calling goroutine
// until Stop is called. IsRunning turns true once the channel is connected.
// The channel is disconnected and the monitor marked stopped before Start
// returns, whatever the reason.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if err := m.checkIdle(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.cancel.Store(false)
	m.mode.Store(int32(SelfDriven))
	if err := m.channel.Connect(m.endpoint); err != nil {
		m.finish(false)
		m.mu.Unlock()
		return fmt.Errorf("connect monitoring channel %s: %w", m.endpoint, err)
	}
	// The stopped signal and the running flag change together under m.mu.
	m.stopped.Reset()
	m.running.Store(true)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.finish(true)
		m.mu.Unlock()
	}()

	log.WithFields(log.Fields{
		"endpoint": m.endpoint,
		"timeout":  m.Timeout(),
	}).Debug("Monitor started")

	err := m.run()
	if errors.Is(err, ErrProtocol) {
		m.setFault(err)
	}
	return err
}

// Stop requests the self-driven loop to exit and waits until it has fully
// stopped. It returns immediately when the monitor is not running.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if Mode(m.mode.Load()) == PollerAttached {
		m.mu.Unlock()
		return ErrAttached
	}
	m.cancel.Store(true)
	done := m.stopped.Done()
	m.mu.Unlock()

	<-done
	return nil
}

// AttachToPoller connects the channel and registers it with p. Records are
// dispatched on the goroutine driving p. It does not block.
func (m *Monitor) AttachToPoller(p Poller) error {
	if p == nil {
		return errors.New("attach to poller: nil poller")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIdle(); err != nil {
		return err
	}

	m.mode.Store(int32(PollerAttached))
	if err := m.channel.Connect(m.endpoint); err != nil {
		m.finish(false)
		return fmt.Errorf("connect monitoring channel %s: %w", m.endpoint, err)
	}
	m.stopped.Reset()
	m.running.Store(true)

	fd := m.channel.FD()
	if err := p.RegisterFD(fd, eventloop.EventRead, m.onReadable); err != nil {
		m.finish(true)
		return fmt.Errorf("register monitoring channel with poller: %w", err)
	}
	m.poller = p
	m.pollFD = fd

	log.WithFields(log.Fields{
		"endpoint": m.endpoint,
		"fd":       fd,
	}).Debug("Monitor attached to poller")
	return nil
}

// DetachFromPoller unregisters the channel, disconnects it and marks the
// monitor stopped.
func (m *Monitor) DetachFromPoller() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if Mode(m.mode.Load()) != PollerAttached {
		return ErrNotAttached
	}

	if m.poller != nil {
		if err := m.poller.UnregisterFD(m.pollFD); err != nil {
			log.WithField("endpoint", m.endpoint).WithError(err).Debug("Unregister from poller failed")
		}
	}
	m.finish(true)

	log.WithField("endpoint", m.endpoint).Debug("Monitor detached from poller")
	return nil
}

// Close stops or detaches the monitor if needed and, when the monitor created
// its channel, closes that channel. Calling Close more than once is a no-op.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	mode := Mode(m.mode.Load())
	m.mu.Unlock()

	switch mode {
	case PollerAttached:
		_ = m.DetachFromPoller()
	case SelfDriven:
		_ = m.Stop()
	}
	m.stopped.Set()

	if !m.ownsChannel {
		return nil
	}
	if m.release != nil {
		m.release()
	}
	return m.channel.Close()
}

func (m *Monitor) checkIdle() error {
	if m.closed {
		return ErrClosed
	}
	if m.fault.Load() != nil {
		return ErrFaulted
	}
	switch Mode(m.mode.Load()) {
	case SelfDriven:
		return ErrAlreadyRunning
	case PollerAttached:
		return ErrAttached
	}
	return nil
}

// finish disconnects the channel and transitions to stopped. Disconnect
// failures are reported, never returned. m.mu must be held.
func (m *Monitor) finish(connected bool) {
	if connected {
		if err := m.channel.Disconnect(m.endpoint); err != nil {
			log.WithField("endpoint", m.endpoint).WithError(err).Warn("Failed to disconnect monitoring channel")
			if m.onTeardownError != nil {
				m.onTeardownError(err)
			}
		}
	}
	m.poller = nil
	m.pollFD = -1
	m.running.Store(false)
	m.mode.Store(int32(Idle))
	m.stopped.Set()
}

func (m *Monitor) setFault(err error) {
	if !m.fault.CompareAndSwap(nil, &err) {
		return
	}
	log.WithField("endpoint", m.endpoint).WithError(err).Error("Monitoring channel desynchronized")
	if m.onFault != nil {
		m.onFault(err)
	}
}
