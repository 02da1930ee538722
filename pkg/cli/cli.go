package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dmdmdm-nz/sockmon/internal/event"
	"github.com/dmdmdm-nz/sockmon/pkg/version"
)

// RunFunc runs the monitor with a validated configuration.
type RunFunc func(cfg *Config, kinds event.Kind) error

// NewCommand builds the sockmon root command. Values from --config are
// applied first; flags given on the command line override them.
func NewCommand(run RunFunc) *cobra.Command {
	cfg := DefaultConfig()
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "sockmon",
		Short: "Report the connection lifecycle of TCP endpoints",
		Example: `  sockmon --connect tcp://127.0.0.1:5555 --events connected,disconnected
  sockmon --bind tcp://0.0.0.0:7000 --poller --port 60106`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgPath != "" {
				fc, err := LoadFileConfig(cfgPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			kinds, err := cfg.Validate()
			if err != nil {
				return err
			}
			return run(&cfg, kinds)
		},
	}
	cmd.SetVersionTemplate(version.String() + "\n")

	f := cmd.Flags()
	f.StringArrayVar(&cfg.Binds, "bind", nil, "Listen on a tcp:// endpoint (repeatable)")
	f.StringArrayVar(&cfg.Connects, "connect", nil, "Connect to a tcp:// endpoint (repeatable)")
	f.StringVar(&cfg.MonitorEndpoint, "monitor-endpoint", cfg.MonitorEndpoint, "inproc:// endpoint for the monitoring channel (default: generated)")
	f.StringVar(&cfg.Events, "events", cfg.Events, "Comma separated event kinds to report, or \"all\"")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Poll timeout of the monitor loop")
	f.BoolVar(&cfg.Poller, "poller", cfg.Poller, "Drive the monitor from a shared event loop")
	f.IntVar(&cfg.History, "history", cfg.History, "Number of events kept for new subscribers")
	f.StringVar(&cfg.Host, "host", cfg.Host, "Host to bind the API to")
	f.IntVar(&cfg.Port, "port", cfg.Port, "Port to serve the API on (0 disables it)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	f.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", cfg.ReconnectInterval, "Initial wait between connection attempts")
	f.DurationVar(&cfg.ReconnectIntervalMax, "reconnect-interval-max", cfg.ReconnectIntervalMax, "Maximum wait between connection attempts")
	f.StringVar(&cfgPath, "config", "", "TOML config file")

	return cmd
}
