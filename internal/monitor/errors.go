package monitor

import (
	"errors"
	"fmt"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

var (
	// ErrInvalidState is wrapped by every error reporting a call made in the
	// wrong lifecycle state. No state changes when it is returned.
	ErrInvalidState = errors.New("invalid monitor state")

	ErrAlreadyRunning = fmt.Errorf("%w: already running", ErrInvalidState)
	ErrAttached       = fmt.Errorf("%w: attached to a poller", ErrInvalidState)
	ErrNotAttached    = fmt.Errorf("%w: not attached to a poller", ErrInvalidState)

	ErrClosed  = errors.New("monitor closed")
	ErrFaulted = errors.New("monitor faulted after protocol error")

	// ErrProtocol is matched by *ProtocolError.
	ErrProtocol = errors.New("monitoring channel desynchronized")
)

// ProtocolError reports a record whose kind is not a known event kind. It is
// fatal: the channel and the decoder no longer agree on the stream.
type ProtocolError struct {
	Kind    event.Kind
	Address string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v: unknown event kind 0x%x from %q", ErrProtocol, uint32(e.Kind), e.Address)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}
