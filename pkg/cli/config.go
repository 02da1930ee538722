package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmdmdm-nz/sockmon/internal/event"
)

// Config holds the application configuration from CLI flags and the
// optional config file.
type Config struct {
	Binds           []string
	Connects        []string
	MonitorEndpoint string
	Events          string
	Timeout         time.Duration
	Poller          bool
	History         int
	Host            string
	Port            int
	LogLevel        string

	ReconnectInterval    time.Duration
	ReconnectIntervalMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		Events:               "all",
		Timeout:              500 * time.Millisecond,
		History:              256,
		Host:                 "127.0.0.1",
		Port:                 60106,
		LogLevel:             "info",
		ReconnectInterval:    100 * time.Millisecond,
		ReconnectIntervalMax: 5 * time.Second,
	}
}

var logLevels = []string{"trace", "debug", "info", "warn", "error"}

// Validate checks the configuration and returns the parsed event kinds.
func (c *Config) Validate() (event.Kind, error) {
	if len(c.Binds) == 0 && len(c.Connects) == 0 {
		return 0, errors.New("nothing to monitor: pass at least one --bind or --connect")
	}
	kinds, err := event.ParseKinds(c.Events)
	if err != nil {
		return 0, fmt.Errorf("invalid --events: %w", err)
	}
	if kinds == 0 {
		return 0, errors.New("invalid --events: empty kind set")
	}
	if c.Port < 0 || c.Port > 65535 {
		return 0, fmt.Errorf("invalid --port %d", c.Port)
	}
	if c.History < 0 {
		return 0, fmt.Errorf("invalid --history %d", c.History)
	}
	valid := false
	for _, l := range logLevels {
		if c.LogLevel == l {
			valid = true
		}
	}
	if !valid {
		return 0, fmt.Errorf("invalid --log-level %q (want one of %s)", c.LogLevel, strings.Join(logLevels, ", "))
	}
	return kinds, nil
}

// String returns a string representation of the Config
func (c *Config) String() string {
	return fmt.Sprintf("Bind: %v, Connect: %v, MonitorEndpoint: %q, Events: %s, Timeout: %s, Poller: %t, History: %d, Host: %s, Port: %d, LogLevel: %s",
		c.Binds, c.Connects, c.MonitorEndpoint, c.Events, c.Timeout, c.Poller, c.History, c.Host, c.Port, c.LogLevel)
}
