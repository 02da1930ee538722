package monitor

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/joeycumines/go-eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

type recvResult struct {
	rec event.Record
	err error
}

// fakeChannel delivers queued records. Poll moves one record into pending so
// that Recv never blocks.
type fakeChannel struct {
	mu            sync.Mutex
	connected     string
	pending       *recvResult
	connects      int
	disconnects   int
	closed        bool
	connectErr    error
	disconnectErr error
	// onConnect runs at the start of Connect, before the channel is locked.
	onConnect func()

	records chan recvResult
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{records: make(chan recvResult, 64)}
}

func (f *fakeChannel) push(rec event.Record) { f.records <- recvResult{rec: rec} }

func (f *fakeChannel) pushErr(err error) { f.records <- recvResult{err: err} }

func (f *fakeChannel) Connect(endpoint string) error {
	if f.onConnect != nil {
		f.onConnect()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.connected != "" {
		return errors.New("already connected")
	}
	f.connected = endpoint
	f.connects++
	return nil
}

func (f *fakeChannel) Disconnect(endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	if f.connected != endpoint {
		return errors.New("not connected")
	}
	f.connected = ""
	return f.disconnectErr
}

func (f *fakeChannel) Poll(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	if f.pending != nil {
		f.mu.Unlock()
		return true, nil
	}
	f.mu.Unlock()

	select {
	case r := <-f.records:
		f.mu.Lock()
		f.pending = &r
		f.mu.Unlock()
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (f *fakeChannel) Recv() (event.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected == "" {
		return event.Record{}, errors.New("not connected")
	}
	if f.pending != nil {
		r := *f.pending
		f.pending = nil
		return r.rec, r.err
	}
	select {
	case r := <-f.records:
		return r.rec, r.err
	default:
		return event.Record{}, event.ErrNoRecord
	}
}

func (f *fakeChannel) FD() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected == "" {
		return -1
	}
	return 42
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected != ""
}

func (f *fakeChannel) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

// fakePoller records registrations; fire plays the role of the loop.
type fakePoller struct {
	mu           sync.Mutex
	callbacks    map[int]func(eventloop.IOEvents)
	unregistered []int
	registerErr  error
}

func newFakePoller() *fakePoller {
	return &fakePoller{callbacks: make(map[int]func(eventloop.IOEvents))}
}

func (p *fakePoller) RegisterFD(fd int, _ eventloop.IOEvents, cb func(eventloop.IOEvents)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registerErr != nil {
		return p.registerErr
	}
	p.callbacks[fd] = cb
	return nil
}

func (p *fakePoller) UnregisterFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.callbacks[fd]; !ok {
		return errors.New("not registered")
	}
	delete(p.callbacks, fd)
	p.unregistered = append(p.unregistered, fd)
	return nil
}

// fire invokes every registered callback once and reports how many ran.
func (p *fakePoller) fire() int {
	p.mu.Lock()
	cbs := make([]func(eventloop.IOEvents), 0, len(p.callbacks))
	for _, cb := range p.callbacks {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(eventloop.EventRead)
	}
	return len(cbs)
}

func (p *fakePoller) registered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.callbacks)
}

const testEndpoint = "inproc://test"

// startAsync runs Start on a goroutine and waits until the monitor is
// connected.
func startAsync(t *testing.T, m *Monitor, ch *fakeChannel) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start() }()
	require.Eventually(t, func() bool { return m.IsRunning() && ch.isConnected() }, time.Second, time.Millisecond)
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Start to return")
		return nil
	}
}

func TestMonitor_StopBeforeStartReturnsImmediately(t *testing.T) {
	m := Wrap(newFakeChannel(), testEndpoint)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, m.Stop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Stop blocked on a monitor that never started")
	}
	assert.False(t, m.IsRunning())
	assert.Equal(t, Idle, m.Mode())
}

func TestMonitor_StartStopCycles(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint, WithTimeout(10*time.Millisecond))

	for i := 0; i < 3; i++ {
		assert.False(t, m.IsRunning())
		errCh := startAsync(t, m, ch)
		assert.Equal(t, SelfDriven, m.Mode())

		select {
		case <-m.Stopped():
			t.Fatal("stopped signal set while running")
		default:
		}

		require.NoError(t, m.Stop())
		assert.False(t, m.IsRunning())
		assert.False(t, ch.isConnected())
		require.NoError(t, waitErr(t, errCh))
	}

	connects, disconnects := ch.counts()
	assert.Equal(t, 3, connects)
	assert.Equal(t, 3, disconnects)

	select {
	case <-m.Stopped():
	default:
		t.Fatal("stopped signal not set after Stop")
	}
}

func TestMonitor_StartWhileRunningFails(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint, WithTimeout(10*time.Millisecond))
	errCh := startAsync(t, m, ch)

	err := m.Start()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, m.IsRunning())
	assert.Equal(t, SelfDriven, m.Mode())

	err = m.AttachToPoller(newFakePoller())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, m.IsRunning())

	require.NoError(t, m.Stop())
	require.NoError(t, waitErr(t, errCh))
	connects, _ := ch.counts()
	assert.Equal(t, 1, connects)
}

func TestMonitor_StartConnectFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.connectErr = errors.New("no such endpoint")
	m := Wrap(ch, testEndpoint)

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such endpoint")
	assert.False(t, m.IsRunning())
	assert.Equal(t, Idle, m.Mode())

	_, disconnects := ch.counts()
	assert.Zero(t, disconnects)

	select {
	case <-m.Stopped():
	default:
		t.Fatal("stopped signal not set after failed Start")
	}
}

func TestMonitor_StoppedUntilConnected(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint, WithTimeout(10*time.Millisecond))

	var stoppedDuringConnect, runningDuringConnect []bool
	ch.onConnect = func() {
		stoppedDuringConnect = append(stoppedDuringConnect, m.stopped.IsSet())
		runningDuringConnect = append(runningDuringConnect, m.IsRunning())
	}

	errCh := startAsync(t, m, ch)
	require.NoError(t, m.Stop())
	require.NoError(t, waitErr(t, errCh))

	p := newFakePoller()
	require.NoError(t, m.AttachToPoller(p))
	assert.False(t, m.stopped.IsSet())
	require.NoError(t, m.DetachFromPoller())

	assert.Equal(t, []bool{true, true}, stoppedDuringConnect)
	assert.Equal(t, []bool{false, false}, runningDuringConnect)
}

func TestMonitor_DispatchTypedEvents(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint, WithTimeout(10*time.Millisecond))

	var (
		mu      sync.Mutex
		got     []string
		conn    ConnectionEvent
		delayed ErrorEvent
		retried RetryEvent
	)
	record := func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}
	m.OnConnected(func(ev ConnectionEvent) {
		record("first")
		mu.Lock()
		conn = ev
		mu.Unlock()
	})
	m.OnConnected(func(ConnectionEvent) { record("second") })
	m.OnConnectDelayed(func(ev ErrorEvent) {
		mu.Lock()
		delayed = ev
		mu.Unlock()
		record("delayed")
	})
	m.OnConnectRetried(func(ev RetryEvent) {
		mu.Lock()
		retried = ev
		mu.Unlock()
		record("retried")
	})

	errCh := startAsync(t, m, ch)
	ch.push(event.Record{Kind: event.Connected, Address: "tcp://127.0.0.1:5555", Value: 7})
	ch.push(event.Record{Kind: event.ConnectDelayed, Address: "tcp://127.0.0.1:5556", Value: uint32(syscall.ECONNREFUSED)})
	ch.push(event.Record{Kind: event.ConnectRetried, Address: "tcp://127.0.0.1:5556", Value: 250})
	// No handler: dispatched to an empty list.
	ch.push(event.Record{Kind: event.Closed, Address: "tcp://127.0.0.1:5555", Value: 7})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Stop())
	require.NoError(t, waitErr(t, errCh))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "delayed", "retried"}, got)
	assert.Same(t, m, conn.Monitor)
	assert.Equal(t, event.Connected, conn.Kind)
	assert.Equal(t, "tcp://127.0.0.1:5555", conn.Address)
	assert.Equal(t, 7, conn.Handle)
	assert.Equal(t, syscall.ECONNREFUSED, delayed.Errno)
	assert.Equal(t, 250*time.Millisecond, retried.Interval)
}

func TestMonitor_SubscribeAndRemoveHandler(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint, WithTimeout(10*time.Millisecond))

	events := make(chan Event, 10)
	id := m.Subscribe(event.Listening|event.Accepted, func(ev Event) { events <- ev })

	errCh := startAsync(t, m, ch)
	ch.push(event.Record{Kind: event.Listening, Address: "tcp://0.0.0.0:1", Value: 3})
	ch.push(event.Record{Kind: event.Connected, Address: "tcp://0.0.0.0:1", Value: 4})
	ch.push(event.Record{Kind: event.Accepted, Address: "tcp://0.0.0.0:1", Value: 5})

	for _, want := range []event.Kind{event.Listening, event.Accepted} {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.EventKind())
			assert.Equal(t, "tcp://0.0.0.0:1", ev.EventAddress())
			assert.IsType(t, ConnectionEvent{}, ev)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	assert.True(t, m.RemoveHandler(id))
	assert.False(t, m.RemoveHandler(id))

	ch.push(event.Record{Kind: event.Listening, Address: "tcp://0.0.0.0:2", Value: 6})
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after removal: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Stop())
	require.NoError(t, waitErr(t, errCh))
}

func TestMonitor_HandlersMayRegisterDuringDispatch(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint, WithTimeout(10*time.Millisecond))

	calls := make(chan string, 10)
	var once sync.Once
	m.OnClosed(func(ConnectionEvent) {
		calls <- "outer"
		once.Do(func() {
			m.OnClosed(func(ConnectionEvent) { calls <- "inner" })
		})
	})

	errCh := startAsync(t, m, ch)
	ch.push(event.Record{Kind: event.Closed, Address: "a", Value: 1})
	ch.push(event.Record{Kind: event.Closed, Address: "a", Value: 2})

	var got []string
	for len(got) < 3 {
		select {
		case c := <-calls:
			got = append(got, c)
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %v", got)
		}
	}
	assert.Equal(t, []string{"outer", "outer", "inner"}, got)

	require.NoError(t, m.Stop())
	require.NoError(t, waitErr(t, errCh))
}

func TestMonitor_UnknownKindFaultsSelfDriven(t *testing.T) {
	ch := newFakeChannel()
	var faults []error
	m := Wrap(ch, testEndpoint,
		WithTimeout(10*time.Millisecond),
		WithFaultHandler(func(err error) { faults = append(faults, err) }))

	called := false
	m.Subscribe(event.All, func(Event) { called = true })

	errCh := startAsync(t, m, ch)
	ch.push(event.Record{Kind: 0x400, Address: "tcp://127.0.0.1:1"})

	err := waitErr(t, errCh)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, event.Kind(0x400), perr.Kind)
	assert.Equal(t, "tcp://127.0.0.1:1", perr.Address)

	assert.False(t, called)
	assert.False(t, m.IsRunning())
	assert.False(t, ch.isConnected())
	assert.Equal(t, err, m.Err())
	assert.Len(t, faults, 1)

	assert.ErrorIs(t, m.Start(), ErrFaulted)
	assert.ErrorIs(t, m.AttachToPoller(newFakePoller()), ErrFaulted)
	assert.NoError(t, m.Stop())
}

func TestMonitor_MalformedRecordIsProtocolError(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint, WithTimeout(10*time.Millisecond))

	errCh := startAsync(t, m, ch)
	ch.pushErr(fmt.Errorf("%w: truncated", event.ErrMalformedRecord))

	err := waitErr(t, errCh)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, event.ErrMalformedRecord)
	assert.ErrorIs(t, m.Err(), ErrProtocol)
}

func TestMonitor_StopLatencyBoundedByTimeout(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint)
	m.SetTimeout(20 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, m.Timeout())

	errCh := startAsync(t, m, ch)

	start := time.Now()
	require.NoError(t, m.Stop())
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 10*m.Timeout(), "Stop took %s", elapsed)
	require.NoError(t, waitErr(t, errCh))
}

func TestMonitor_SetTimeoutNonPositiveRestoresDefault(t *testing.T) {
	m := Wrap(newFakeChannel(), testEndpoint, WithTimeout(time.Second))
	assert.Equal(t, time.Second, m.Timeout())
	m.SetTimeout(0)
	assert.Equal(t, DefaultTimeout, m.Timeout())
	m.SetTimeout(-time.Second)
	assert.Equal(t, DefaultTimeout, m.Timeout())
}

func TestMonitor_TeardownErrorSuppressed(t *testing.T) {
	ch := newFakeChannel()
	ch.disconnectErr = errors.New("linger expired")

	var teardown []error
	m := Wrap(ch, testEndpoint,
		WithTimeout(10*time.Millisecond),
		WithTeardownErrorHandler(func(err error) { teardown = append(teardown, err) }))

	errCh := startAsync(t, m, ch)
	require.NoError(t, m.Stop())
	require.NoError(t, waitErr(t, errCh))

	assert.False(t, m.IsRunning())
	require.Len(t, teardown, 1)
	assert.EqualError(t, teardown[0], "linger expired")
}

func TestMonitor_AttachDetach(t *testing.T) {
	ch := newFakeChannel()
	p := newFakePoller()
	m := Wrap(ch, testEndpoint)

	handles := make(chan int, 10)
	m.OnAccepted(func(ev ConnectionEvent) { handles <- ev.Handle })

	require.NoError(t, m.AttachToPoller(p))
	assert.True(t, m.IsRunning())
	assert.Equal(t, PollerAttached, m.Mode())
	assert.True(t, ch.isConnected())
	assert.Equal(t, 1, p.registered())

	err := m.Stop()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, ErrAttached)
	assert.ErrorIs(t, m.Start(), ErrAttached)
	assert.ErrorIs(t, m.AttachToPoller(p), ErrAttached)
	assert.True(t, m.IsRunning())

	ch.push(event.Record{Kind: event.Accepted, Address: "tcp://x:1", Value: 11})
	ch.push(event.Record{Kind: event.Accepted, Address: "tcp://x:1", Value: 12})
	// One record per notification.
	p.fire()
	assert.Equal(t, 11, <-handles)
	assert.Empty(t, handles)
	p.fire()
	assert.Equal(t, 12, <-handles)
	// Spurious wake-up.
	p.fire()
	assert.Empty(t, handles)

	require.NoError(t, m.DetachFromPoller())
	assert.False(t, m.IsRunning())
	assert.Equal(t, Idle, m.Mode())
	assert.False(t, ch.isConnected())
	assert.Zero(t, p.registered())
	assert.Equal(t, []int{42}, p.unregistered)

	select {
	case <-m.Stopped():
	default:
		t.Fatal("stopped signal not set after detach")
	}

	assert.ErrorIs(t, m.DetachFromPoller(), ErrNotAttached)

	// Self-driven mode is available again.
	errCh := startAsync(t, m, ch)
	require.NoError(t, m.Stop())
	require.NoError(t, waitErr(t, errCh))
}

func TestMonitor_AttachNilPoller(t *testing.T) {
	m := Wrap(newFakeChannel(), testEndpoint)
	assert.Error(t, m.AttachToPoller(nil))
	assert.Equal(t, Idle, m.Mode())
}

func TestMonitor_AttachRegisterFailureRollsBack(t *testing.T) {
	ch := newFakeChannel()
	p := newFakePoller()
	p.registerErr = errors.New("fd out of range")
	m := Wrap(ch, testEndpoint)

	err := m.AttachToPoller(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fd out of range")
	assert.False(t, m.IsRunning())
	assert.Equal(t, Idle, m.Mode())
	assert.False(t, ch.isConnected())

	select {
	case <-m.Stopped():
	default:
		t.Fatal("stopped signal not set after failed attach")
	}
}

func TestMonitor_PollerProtocolErrorInterruptsDispatch(t *testing.T) {
	ch := newFakeChannel()
	p := newFakePoller()
	faults := make(chan error, 1)
	m := Wrap(ch, testEndpoint, WithFaultHandler(func(err error) { faults <- err }))

	require.NoError(t, m.AttachToPoller(p))
	ch.push(event.Record{Kind: event.All + 1, Address: "tcp://x:1"})
	p.fire()

	select {
	case err := <-faults:
		assert.ErrorIs(t, err, ErrProtocol)
	case <-time.After(time.Second):
		t.Fatal("fault handler not called")
	}
	assert.ErrorIs(t, m.Err(), ErrProtocol)
	assert.Zero(t, p.registered())
	assert.Equal(t, PollerAttached, m.Mode())

	require.NoError(t, m.DetachFromPoller())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.AttachToPoller(p), ErrFaulted)
}

func TestMonitor_CloseIsIdempotentAndRespectsOwnership(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.False(t, ch.closed)

	assert.ErrorIs(t, m.Start(), ErrClosed)
	assert.ErrorIs(t, m.AttachToPoller(newFakePoller()), ErrClosed)
	assert.NoError(t, m.Stop())

	owned := newFakeChannel()
	released := 0
	om := newMonitor(owned, testEndpoint, true, nil)
	om.release = func() { released++ }
	require.NoError(t, om.Close())
	require.NoError(t, om.Close())
	assert.True(t, owned.closed)
	assert.Equal(t, 1, released)
}

func TestMonitor_CloseStopsRunningMonitor(t *testing.T) {
	ch := newFakeChannel()
	m := Wrap(ch, testEndpoint, WithTimeout(10*time.Millisecond))
	errCh := startAsync(t, m, ch)

	require.NoError(t, m.Close())
	require.NoError(t, waitErr(t, errCh))
	assert.False(t, m.IsRunning())
	assert.False(t, ch.isConnected())
}

func TestMonitor_CloseDetachesAttachedMonitor(t *testing.T) {
	ch := newFakeChannel()
	p := newFakePoller()
	m := Wrap(ch, testEndpoint)
	require.NoError(t, m.AttachToPoller(p))

	require.NoError(t, m.Close())
	assert.False(t, m.IsRunning())
	assert.Zero(t, p.registered())
	assert.False(t, ch.isConnected())
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "self-driven", SelfDriven.String())
	assert.Equal(t, "poller-attached", PollerAttached.String())
	assert.Equal(t, "unknown", Mode(9).String())
}

func TestDoneSignal_SetReset(t *testing.T) {
	s := newDoneSignal()
	assert.True(t, s.IsSet())
	s.Reset()
	assert.False(t, s.IsSet())
	done := s.Done()
	s.Reset()
	assert.Equal(t, done, s.Done())
	s.Set()
	s.Set()
	assert.True(t, s.IsSet())
	<-done
}
