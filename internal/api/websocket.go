package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Masterminds/semver"
	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/sockmon/internal/event"
	"github.com/dmdmdm-nz/sockmon/pkg/version"
)

const writeTimeout = 5 * time.Second

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, nil, err
	}
	return c, r.Context(), nil
}

// checkClientVersion returns the HTTP status to reject a client with, or 0.
// Clients that do not announce a version are accepted.
func checkClientVersion(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid client_version %q: %w", raw, err)
	}
	if v.LessThan(semver.MustParse(version.MinClientVersion)) {
		return http.StatusUpgradeRequired, fmt.Errorf("client version %s is older than %s", v, version.MinClientVersion)
	}
	return 0, nil
}

// StreamEvents upgrades the request to a websocket and writes one JSON
// EventMessage per relayed event: the retained history first, then live
// events. Query parameters: kinds (comma separated, default all) and
// client_version.
func StreamEvents(s *Service, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if code, err := checkClientVersion(q.Get("client_version")); err != nil {
		log.WithField("remote", r.RemoteAddr).WithError(err).Debug("Rejecting event stream client")
		writeJSON(w, code, ErrorResponse{Error: err.Error()})
		return
	}

	kinds := event.All
	if raw := q.Get("kinds"); raw != "" {
		k, err := event.ParseKinds(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		kinds = k
	}

	c, ctx, err := accept(w, r)
	if err != nil {
		log.WithError(err).Error("Failed to accept client")
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "closing")

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the client goes away.
	ctx = c.CloseRead(ctx)

	events, unsub := s.src.Subscribe()
	defer unsub()

	logger := log.WithFields(log.Fields{
		"remote": r.RemoteAddr,
		"kinds":  kinds,
	})
	logger.Info("Event stream client connected")
	defer logger.Info("Event stream client disconnected")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "relay closed")
				return
			}
			if !kinds.Has(ev.Kind) {
				continue
			}
			b, err := json.Marshal(newEventMessage(ev))
			if err != nil {
				logger.WithError(err).Warn("Failed to encode event")
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				logger.WithError(err).Debug("Event stream write failed")
				return
			}
		}
	}
}
