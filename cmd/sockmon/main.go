package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-eventloop"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/sockmon/internal/api"
	"github.com/dmdmdm-nz/sockmon/internal/event"
	"github.com/dmdmdm-nz/sockmon/internal/monitor"
	"github.com/dmdmdm-nz/sockmon/internal/relay"
	"github.com/dmdmdm-nz/sockmon/internal/runtime"
	"github.com/dmdmdm-nz/sockmon/internal/transport"
	"github.com/dmdmdm-nz/sockmon/pkg/cli"
)

func main() {
	if err := cli.NewCommand(run).Execute(); err != nil {
		log.WithError(err).Error("sockmon failed")
		os.Exit(1)
	}
}

func run(cfg *cli.Config, kinds event.Kind) error {
	// Configure logging
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})
	log.Infof("Config: %s", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tctx := transport.NewContext()
	defer tctx.Close()

	sock, err := tctx.NewSocket()
	if err != nil {
		return err
	}
	sock.SetReconnectInterval(cfg.ReconnectInterval, cfg.ReconnectIntervalMax)

	m, err := monitor.New(tctx, sock, cfg.MonitorEndpoint, kinds,
		monitor.WithTimeout(cfg.Timeout),
		monitor.WithTeardownErrorHandler(func(err error) {
			log.WithError(err).Warn("Monitor teardown reported an error")
		}),
		monitor.WithFaultHandler(func(err error) {
			log.WithError(err).Error("Monitor faulted, shutting down")
			cancel()
		}),
	)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"endpoint": m.Endpoint(),
		"kinds":    kinds,
	}).Info("Monitoring socket")

	super := runtime.NewSupervisor()

	var opts relay.Options
	opts.History = cfg.History
	if cfg.Poller {
		loop, err := eventloop.New()
		if err != nil {
			return fmt.Errorf("create event loop: %w", err)
		}
		opts.Poller = loop
		super.Add("eventloop", func(ctx context.Context) error {
			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}, func() error {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			if err := loop.Shutdown(sctx); err != nil && !errors.Is(err, eventloop.ErrLoopTerminated) {
				return err
			}
			return nil
		})
	}

	relaySvc := relay.NewService(m, opts)

	// Start in dependency order: eventloop → relay → socket → api
	super.Add("relay", relaySvc.Start, relaySvc.Close)
	super.Add("socket", func(ctx context.Context) error {
		return runSocket(ctx, cfg, sock, m)
	}, sock.Close)
	if cfg.Port != 0 {
		apiSvc := api.NewService(cfg.Host, cfg.Port, relaySvc)
		super.Add("api", apiSvc.Start, apiSvc.Close)
	}

	if err := super.Start(ctx); err != nil {
		return fmt.Errorf("supervisor start: %w", err)
	}
	if err := super.Wait(ctx); err != nil {
		return fmt.Errorf("supervisor wait: %w", err)
	}
	return nil
}

// runSocket binds and connects the monitored socket once the monitor is
// reading, so the first events are not dropped.
func runSocket(ctx context.Context, cfg *cli.Config, sock *transport.Socket, m *monitor.Monitor) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !m.IsRunning() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	for _, addr := range cfg.Binds {
		bound, err := sock.Bind(addr)
		if err != nil {
			return err
		}
		log.WithField("endpoint", bound).Info("Listening")
	}
	for _, addr := range cfg.Connects {
		if err := sock.Connect(addr); err != nil {
			return err
		}
		log.WithField("endpoint", addr).Info("Connecting")
	}

	<-ctx.Done()
	return nil
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
