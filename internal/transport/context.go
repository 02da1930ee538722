//go:build linux || darwin

package transport

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Context owns the in-process endpoint registry shared by the sockets and
// monitoring channels created from it.
type Context struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	sockets   map[*Socket]struct{}
	channels  map[*Channel]struct{}
	closed    bool
}

func NewContext() *Context {
	return &Context{
		endpoints: make(map[string]*endpoint),
		sockets:   make(map[*Socket]struct{}),
		channels:  make(map[*Channel]struct{}),
	}
}

// NewSocket creates a TCP socket whose lifecycle can be monitored.
func (c *Context) NewSocket() (*Socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := newSocket(c)
	c.sockets[s] = struct{}{}
	return s, nil
}

// NewChannel creates an unconnected monitoring channel.
func (c *Context) NewChannel() (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := &Channel{ctx: c, buf: make([]byte, maxRecordSize)}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes every socket and channel created from the context.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sockets := make([]*Socket, 0, len(c.sockets))
	for s := range c.sockets {
		sockets = append(sockets, s)
	}
	channels := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, s := range sockets {
		_ = s.Close()
	}
	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}

func (c *Context) bind(addr string) (*endpoint, error) {
	scheme, _, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	if scheme != SchemeInproc {
		return nil, fmt.Errorf("%w: monitoring requires inproc, got %q", ErrUnsupportedScheme, scheme)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.endpoints[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	ep, err := newEndpoint(addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	c.endpoints[addr] = ep

	log.WithField("endpoint", addr).Debug("Bound inproc endpoint")
	return ep, nil
}

// unbind removes ep from the registry and drops the binder's reference.
func (c *Context) unbind(ep *endpoint) {
	c.mu.Lock()
	if cur, ok := c.endpoints[ep.addr]; ok && cur == ep {
		delete(c.endpoints, ep.addr)
	}
	c.mu.Unlock()

	ep.release()
	log.WithField("endpoint", ep.addr).Debug("Unbound inproc endpoint")
}

func (c *Context) lookup(addr string) (*endpoint, error) {
	if _, _, err := ParseAddr(addr); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ep, ok := c.endpoints[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, addr)
	}
	return ep, nil
}

func (c *Context) forgetSocket(s *Socket) {
	c.mu.Lock()
	delete(c.sockets, s)
	c.mu.Unlock()
}

func (c *Context) forgetChannel(ch *Channel) {
	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
}
