//go:build linux || darwin

package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

// Channel is the reading side of a monitoring endpoint. It connects to an
// inproc endpoint bound by a monitored Socket and decodes one record per
// read.
type Channel struct {
	ctx *Context

	mu     sync.RWMutex
	ep     *endpoint
	linger time.Duration
	closed bool
	buf    []byte
}

// SetLinger records how long Close may wait for outbound messages. A
// monitoring channel never writes, so there is nothing to flush.
func (c *Channel) SetLinger(d time.Duration) {
	c.mu.Lock()
	c.linger = d
	c.mu.Unlock()
}

func (c *Channel) Linger() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.linger
}

// Connect attaches the channel to the endpoint bound at addr.
func (c *Channel) Connect(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.ep != nil {
		return fmt.Errorf("%w: channel connected to %s", ErrPeerConnected, c.ep.addr)
	}
	ep, err := c.ctx.lookup(addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := ep.attachReader(); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	c.ep = ep
	return nil
}

// Disconnect detaches the channel from addr.
func (c *Channel) Disconnect(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ep == nil || c.ep.addr != addr {
		return fmt.Errorf("disconnect %s: %w", addr, ErrNotConnected)
	}
	c.ep.detachReader()
	c.ep = nil
	return nil
}

// Poll waits up to timeout for a record to become readable.
func (c *Channel) Poll(timeout time.Duration) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ep == nil {
		return false, ErrNotConnected
	}

	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(c.ep.rfd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

// Recv reads one record without blocking. It returns event.ErrNoRecord when
// nothing is queued.
func (c *Channel) Recv() (event.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ep == nil {
		return event.Record{}, ErrNotConnected
	}

	n, err := unix.Read(c.ep.rfd, c.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return event.Record{}, event.ErrNoRecord
		}
		return event.Record{}, fmt.Errorf("recv: %w", err)
	}
	return event.Unmarshal(c.buf[:n])
}

// FD returns the descriptor that becomes readable when a record is queued,
// or -1 while disconnected.
func (c *Channel) FD() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ep == nil {
		return -1
	}
	return c.ep.rfd
}

// Close disconnects the channel. Calling Close more than once is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.ep != nil {
		c.ep.detachReader()
		c.ep = nil
	}
	c.mu.Unlock()

	c.ctx.forgetChannel(c)
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// WriteRaw queues an arbitrary datagram on the endpoint bound at addr,
// bypassing the record encoder. It is intended for diagnostics and tests
// that need to inject records a socket would never emit.
func (c *Context) WriteRaw(addr string, b []byte) error {
	ep, err := c.lookup(addr)
	if err != nil {
		return err
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return ErrClosed
	}
	_, err = unix.Write(ep.wfd, b)
	return err
}
