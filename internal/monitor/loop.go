package monitor

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-eventloop"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

// run polls the channel until the cancellation flag is set. The timeout is
// re-read on every iteration.
func (m *Monitor) run() error {
	for !m.cancel.Load() {
		ready, err := m.channel.Poll(m.Timeout())
		if err != nil {
			return fmt.Errorf("poll monitoring channel: %w", err)
		}
		if !ready {
			continue
		}
		if err := m.dispatchOne(); err != nil {
			if errors.Is(err, event.ErrNoRecord) {
				continue
			}
			return err
		}
	}
	return nil
}

// onReadable is the poller callback. It dispatches one record per
// notification. It must not hold m.mu while handlers run so that a handler
// may detach the monitor from the loop goroutine.
func (m *Monitor) onReadable(_ eventloop.IOEvents) {
	if m.Mode() != PollerAttached || m.fault.Load() != nil {
		return
	}

	err := m.dispatchOne()
	switch {
	case err == nil, errors.Is(err, event.ErrNoRecord):
		return
	case errors.Is(err, ErrProtocol):
		m.setFault(err)
		m.mu.Lock()
		if m.poller != nil {
			if uerr := m.poller.UnregisterFD(m.pollFD); uerr != nil {
				log.WithField("endpoint", m.endpoint).WithError(uerr).Debug("Unregister from poller failed")
			}
		}
		m.mu.Unlock()
	default:
		if m.Mode() == PollerAttached {
			log.WithField("endpoint", m.endpoint).WithError(err).Warn("Failed to read monitoring channel")
		}
	}
}
