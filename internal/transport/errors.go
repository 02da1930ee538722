package transport

import "errors"

var (
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")
	ErrAddrInUse         = errors.New("endpoint already bound")
	ErrNoEndpoint        = errors.New("no such endpoint")
	ErrPeerConnected     = errors.New("endpoint already has a connected peer")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnecting = errors.New("already connecting to endpoint")
	ErrNotBound          = errors.New("endpoint not bound")
	ErrClosed            = errors.New("transport closed")
)
