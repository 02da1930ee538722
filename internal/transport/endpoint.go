//go:build linux || darwin

package transport

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

const maxRecordSize = 64 << 10

// endpoint is an inproc pair endpoint backed by a socketpair. The binder
// writes records to wfd, the single connected reader reads them from rfd.
// Both descriptors stay open until the last reference is released.
type endpoint struct {
	addr string
	rfd  int
	wfd  int

	mu     sync.Mutex
	refs   int
	reader bool
	closed bool
	buf    []byte
}

func newEndpoint(addr string) (*endpoint, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, recordSockType, 0)
	if err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}
	return &endpoint{addr: addr, rfd: fds[0], wfd: fds[1], refs: 1}, nil
}

func (e *endpoint) attachReader() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.reader {
		return ErrPeerConnected
	}
	e.reader = true
	e.refs++
	return nil
}

func (e *endpoint) detachReader() {
	e.mu.Lock()
	if !e.reader {
		e.mu.Unlock()
		return
	}
	e.reader = false
	e.mu.Unlock()
	e.release()
}

func (e *endpoint) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.closed = true
	_ = unix.Close(e.rfd)
	_ = unix.Close(e.wfd)
}

// emit writes one record if a reader is connected. Records are dropped when
// nobody listens or the buffer is full.
func (e *endpoint) emit(r event.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.reader {
		return
	}

	e.buf = r.Marshal(e.buf[:0])
	if _, err := unix.Write(e.wfd, e.buf); err != nil {
		entry := log.WithFields(log.Fields{
			"endpoint": e.addr,
			"kind":     r.Kind,
		}).WithError(err)
		if errors.Is(err, unix.EAGAIN) {
			entry.Warn("Monitoring channel full, dropping event")
			return
		}
		entry.Error("Failed to emit event")
	}
}
