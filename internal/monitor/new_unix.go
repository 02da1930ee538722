//go:build linux || darwin

package monitor

import (
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/sockmon/internal/event"
	"github.com/dmdmdm-nz/sockmon/internal/transport"
)

// New asks sock to report kinds on endpoint and returns a Monitor reading
// them through a channel it owns. An empty endpoint is replaced by a unique
// inproc address. Close releases the socket's monitoring binding and closes
// the channel.
func New(tctx *transport.Context, sock *transport.Socket, endpoint string, kinds event.Kind, opts ...Option) (*Monitor, error) {
	if endpoint == "" {
		endpoint = "inproc://monitor-" + uuid.NewString()
	}

	if err := sock.Monitor(endpoint, kinds); err != nil {
		return nil, fmt.Errorf("monitor socket on %s: %w", endpoint, err)
	}

	ch, err := tctx.NewChannel()
	if err != nil {
		_ = sock.Monitor("", 0)
		return nil, fmt.Errorf("create monitoring channel: %w", err)
	}
	ch.SetLinger(0)

	m := newMonitor(ch, endpoint, true, opts)
	m.release = func() {
		if err := sock.Monitor("", 0); err != nil {
			log.WithField("endpoint", endpoint).WithError(err).Debug("Release monitoring endpoint failed")
		}
	}
	return m, nil
}
