package cli

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config with TOML friendly types. Durations are strings
// such as "250ms".
type FileConfig struct {
	Bind                 []string `toml:"bind"`
	Connect              []string `toml:"connect"`
	MonitorEndpoint      string   `toml:"monitor_endpoint"`
	Events               string   `toml:"events"`
	Timeout              string   `toml:"timeout"`
	Poller               *bool    `toml:"poller"`
	History              int      `toml:"history"`
	Host                 string   `toml:"host"`
	Port                 *int     `toml:"port"`
	LogLevel             string   `toml:"log_level"`
	ReconnectInterval    string   `toml:"reconnect_interval"`
	ReconnectIntervalMax string   `toml:"reconnect_interval_max"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// ApplyFileConfig copies the values set in fc into cfg, except for flags
// named in changed, which were given explicitly on the command line.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	if len(fc.Bind) > 0 && !changed["bind"] {
		cfg.Binds = append([]string(nil), fc.Bind...)
	}
	if len(fc.Connect) > 0 && !changed["connect"] {
		cfg.Connects = append([]string(nil), fc.Connect...)
	}
	setString(changed, "monitor-endpoint", fc.MonitorEndpoint, &cfg.MonitorEndpoint)
	setString(changed, "events", fc.Events, &cfg.Events)
	setString(changed, "host", fc.Host, &cfg.Host)
	setString(changed, "log-level", fc.LogLevel, &cfg.LogLevel)
	setInt(changed, "history", fc.History, &cfg.History)
	if fc.Poller != nil && !changed["poller"] {
		cfg.Poller = *fc.Poller
	}
	// An explicit port = 0 disables the API.
	if fc.Port != nil && !changed["port"] {
		cfg.Port = *fc.Port
	}

	if err := setDuration(changed, "timeout", fc.Timeout, &cfg.Timeout); err != nil {
		return err
	}
	if err := setDuration(changed, "reconnect-interval", fc.ReconnectInterval, &cfg.ReconnectInterval); err != nil {
		return err
	}
	return setDuration(changed, "reconnect-interval-max", fc.ReconnectIntervalMax, &cfg.ReconnectIntervalMax)
}

func setString(changed map[string]bool, flag, v string, dst *string) {
	if v != "" && !changed[flag] {
		*dst = v
	}
}

func setInt(changed map[string]bool, flag string, v int, dst *int) {
	if v != 0 && !changed[flag] {
		*dst = v
	}
}

func setDuration(changed map[string]bool, flag, v string, dst *time.Duration) error {
	if v == "" || changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", flag, err)
	}
	*dst = d
	return nil
}
