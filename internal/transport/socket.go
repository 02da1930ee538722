//go:build linux || darwin

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

const (
	defaultReconnectInterval    = 100 * time.Millisecond
	defaultReconnectIntervalMax = 5 * time.Second
)

// Socket is a TCP endpoint that reports its connection lifecycle to an
// inproc monitoring endpoint. Inbound data is drained and discarded.
type Socket struct {
	ctx *Context

	mu        sync.Mutex
	listeners map[string]*listener
	dialers   map[string]*dialer
	conns     map[*conn]struct{}
	closed    bool
	wg        sync.WaitGroup

	reconnectInitial time.Duration
	reconnectMax     time.Duration

	monMu   sync.RWMutex
	monitor *endpoint
	kinds   event.Kind
}

type listener struct {
	endpoint string
	ln       net.Listener
	fd       int
	closing  atomic.Bool
}

type conn struct {
	endpoint string
	c        net.Conn
	fd       int
	closing  atomic.Bool
}

type dialer struct {
	endpoint string
	host     string
	cancel   context.CancelFunc
	done     chan struct{}
	current  atomic.Pointer[conn]
}

func newSocket(ctx *Context) *Socket {
	return &Socket{
		ctx:              ctx,
		listeners:        make(map[string]*listener),
		dialers:          make(map[string]*dialer),
		conns:            make(map[*conn]struct{}),
		reconnectInitial: defaultReconnectInterval,
		reconnectMax:     defaultReconnectIntervalMax,
	}
}

// Monitor starts emitting the given kinds to the inproc endpoint addr.
// Monitor("", 0) stops monitoring and releases the endpoint.
func (s *Socket) Monitor(addr string, kinds event.Kind) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	s.monMu.Lock()
	defer s.monMu.Unlock()
	if s.monitor != nil {
		s.ctx.unbind(s.monitor)
		s.monitor = nil
		s.kinds = 0
	}
	if addr == "" || kinds == 0 {
		return nil
	}

	ep, err := s.ctx.bind(addr)
	if err != nil {
		return err
	}
	s.monitor = ep
	s.kinds = kinds & event.All
	return nil
}

// SetReconnectInterval sets the initial and maximum wait between connection
// attempts.
func (s *Socket) SetReconnectInterval(initial, max time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if initial > 0 {
		s.reconnectInitial = initial
	}
	if max >= s.reconnectInitial {
		s.reconnectMax = max
	}
}

// Bind listens on a tcp:// endpoint and returns the resolved endpoint, which
// differs from addr when an ephemeral port was requested.
func (s *Socket) Bind(addr string) (string, error) {
	host, err := tcpHost(addr)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	ln, err := net.Listen("tcp", host)
	if err != nil {
		s.emit(event.BindFailed, addr, errnoOf(err))
		return "", fmt.Errorf("bind %s: %w", addr, err)
	}

	l := &listener{
		endpoint: SchemeTCP + "://" + ln.Addr().String(),
		ln:       ln,
		fd:       fdOf(ln),
	}
	s.listeners[l.endpoint] = l

	log.WithFields(log.Fields{
		"endpoint": l.endpoint,
		"fd":       l.fd,
	}).Debug("Socket listening")
	s.emit(event.Listening, l.endpoint, uint32(l.fd))

	s.wg.Add(1)
	go s.acceptLoop(l)
	return l.endpoint, nil
}

// Unbind stops listening on a previously bound endpoint.
func (s *Socket) Unbind(addr string) error {
	s.mu.Lock()
	l, ok := s.listeners[addr]
	if ok {
		delete(s.listeners, addr)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unbind %s: %w", addr, ErrNotBound)
	}
	s.closeListener(l)
	return nil
}

// Connect starts connecting to a tcp:// endpoint in the background. Failed
// attempts and dropped connections are retried until Disconnect or Close.
func (s *Socket) Connect(addr string) error {
	host, err := tcpHost(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.dialers[addr]; ok {
		return fmt.Errorf("connect %s: %w", addr, ErrAlreadyConnecting)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &dialer{endpoint: addr, host: host, cancel: cancel, done: make(chan struct{})}
	s.dialers[addr] = d

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.reconnectInitial
	policy.MaxInterval = s.reconnectMax
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0
	policy.Reset()

	s.wg.Add(1)
	go s.dialLoop(ctx, d, policy)
	return nil
}

// Disconnect stops connecting to addr and closes its connection, if any.
func (s *Socket) Disconnect(addr string) error {
	s.mu.Lock()
	d, ok := s.dialers[addr]
	if ok {
		delete(s.dialers, addr)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("disconnect %s: %w", addr, ErrNotConnected)
	}

	d.cancel()
	if cn := d.current.Load(); cn != nil {
		s.closeConn(cn)
	}
	<-d.done
	return nil
}

// Close closes every listener and connection, waits for the background
// goroutines and releases the monitoring endpoint.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	dialers := make([]*dialer, 0, len(s.dialers))
	for _, d := range s.dialers {
		dialers = append(dialers, d)
	}
	conns := make([]*conn, 0, len(s.conns))
	for cn := range s.conns {
		conns = append(conns, cn)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		s.closeListener(l)
	}
	for _, d := range dialers {
		d.cancel()
	}
	for _, cn := range conns {
		s.closeConn(cn)
	}
	s.wg.Wait()

	s.monMu.Lock()
	if s.monitor != nil {
		s.ctx.unbind(s.monitor)
		s.monitor = nil
		s.kinds = 0
	}
	s.monMu.Unlock()

	s.ctx.forgetSocket(s)
	return nil
}

func (s *Socket) acceptLoop(l *listener) {
	defer s.wg.Done()
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if l.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithField("endpoint", l.endpoint).WithError(err).Warn("Accept failed")
			s.emit(event.AcceptFailed, l.endpoint, errnoOf(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		cn := s.track(l.endpoint, c)
		if cn == nil {
			return
		}
		s.emit(event.Accepted, l.endpoint, uint32(cn.fd))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(cn)
		}()
	}
}

func (s *Socket) dialLoop(ctx context.Context, d *dialer, policy *backoff.ExponentialBackOff) {
	defer s.wg.Done()
	defer close(d.done)

	var nd net.Dialer
	for {
		c, err := nd.DialContext(ctx, "tcp", d.host)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("endpoint", d.endpoint).WithError(err).Debug("Connect attempt failed")
			s.emit(event.ConnectDelayed, d.endpoint, errnoOf(err))
			if !s.waitRetry(ctx, d, policy) {
				return
			}
			continue
		}

		policy.Reset()
		cn := s.track(d.endpoint, c)
		if cn == nil {
			return
		}
		d.current.Store(cn)
		s.emit(event.Connected, d.endpoint, uint32(cn.fd))
		if ctx.Err() != nil {
			s.closeConn(cn)
			return
		}

		s.serve(cn)
		d.current.Store(nil)

		if ctx.Err() != nil {
			return
		}
		if !s.waitRetry(ctx, d, policy) {
			return
		}
	}
}

func (s *Socket) waitRetry(ctx context.Context, d *dialer, policy *backoff.ExponentialBackOff) bool {
	ivl := policy.NextBackOff()
	s.emit(event.ConnectRetried, d.endpoint, uint32(ivl/time.Millisecond))

	t := time.NewTimer(ivl)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve drains the connection until it fails. A failure that was not caused
// by a local close is reported as a disconnect.
func (s *Socket) serve(cn *conn) {
	_, err := io.Copy(io.Discard, cn.c)
	if !cn.closing.CompareAndSwap(false, true) {
		return
	}

	log.WithFields(log.Fields{
		"endpoint": cn.endpoint,
		"fd":       cn.fd,
	}).WithError(err).Debug("Peer disconnected")

	_ = cn.c.Close()
	s.untrack(cn)
	s.emit(event.Disconnected, cn.endpoint, uint32(cn.fd))
}

func (s *Socket) track(endpoint string, c net.Conn) *conn {
	cn := &conn{endpoint: endpoint, c: c, fd: fdOf(c)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = c.Close()
		return nil
	}
	s.conns[cn] = struct{}{}
	return cn
}

func (s *Socket) untrack(cn *conn) {
	s.mu.Lock()
	delete(s.conns, cn)
	s.mu.Unlock()
}

func (s *Socket) closeListener(l *listener) {
	if !l.closing.CompareAndSwap(false, true) {
		return
	}
	if err := l.ln.Close(); err != nil {
		s.emit(event.CloseFailed, l.endpoint, errnoOf(err))
		return
	}
	s.emit(event.Closed, l.endpoint, uint32(l.fd))
}

func (s *Socket) closeConn(cn *conn) {
	if !cn.closing.CompareAndSwap(false, true) {
		return
	}
	s.untrack(cn)
	if err := cn.c.Close(); err != nil {
		s.emit(event.CloseFailed, cn.endpoint, errnoOf(err))
		return
	}
	s.emit(event.Closed, cn.endpoint, uint32(cn.fd))
}

func (s *Socket) emit(kind event.Kind, addr string, value uint32) {
	s.monMu.RLock()
	defer s.monMu.RUnlock()
	if s.monitor == nil || !s.kinds.Has(kind) {
		return
	}
	s.monitor.emit(event.Record{Kind: kind, Address: addr, Value: value})
}

func tcpHost(addr string) (string, error) {
	scheme, host, err := ParseAddr(addr)
	if err != nil {
		return "", err
	}
	if scheme != SchemeTCP {
		return "", fmt.Errorf("%w: sockets support tcp only, got %q", ErrUnsupportedScheme, scheme)
	}
	return host, nil
}

// fdOf returns the OS descriptor behind x, or -1.
func fdOf(x any) int {
	sc, ok := x.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(v uintptr) { fd = int(v) })
	return fd
}

// errnoOf extracts the OS error code carried by err. Errors without one map
// to EIO.
func errnoOf(err error) uint32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return uint32(unix.EHOSTUNREACH)
	}
	return uint32(unix.EIO)
}
