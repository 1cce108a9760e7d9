package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/shaunagostinho/pmsdash/internal/acquisition"
	"github.com/shaunagostinho/pmsdash/internal/device"
	"github.com/shaunagostinho/pmsdash/internal/logger"
	"github.com/shaunagostinho/pmsdash/internal/metrics"
	"github.com/shaunagostinho/pmsdash/internal/publish"
	"github.com/shaunagostinho/pmsdash/internal/server"
	"github.com/shaunagostinho/pmsdash/internal/store"
	"github.com/shaunagostinho/pmsdash/web"
)

func main() {
	configPath := pflag.StringP("config", "c", server.DefaultConfigPath, "Path to config file")
	demo := pflag.Bool("demo", false, "Use the simulated measurement board")
	listenAddr := pflag.String("listen", "", "Override listen address (e.g. :8080)")
	portPath := pflag.StringP("port", "p", "", "Override serial port (e.g. /dev/ttyACM0)")
	listPorts := pflag.Bool("list-ports", false, "List serial ports and exit")
	logLevel := pflag.String("log-level", "", "Override log level (debug, info, warn, error)")
	pflag.Parse()

	if *listPorts {
		os.Exit(printPorts())
	}

	// Config loading logs too; honour --log-level until the file's own
	// logging section takes over.
	logger.Init(logger.Config{Level: *logLevel})
	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Device.Type = "demo"
	}
	if *portPath != "" {
		cfg.Device.Type = "serial"
		cfg.Device.PortPath = *portPath
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger.Init(cfg.Logging)
	log := logger.For("main")
	log.Info().Str("device", cfg.Device.Type).Msg("pmsdash starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var ch device.LineChannel
	switch cfg.Device.Type {
	case "demo":
		ch = device.NewDemo()
	case "none", "disabled":
		ch = device.Disconnected{}
	default:
		ch = device.NewPort(cfg.Device.Port())
	}

	ctrl := acquisition.NewController(ch, cfg.Acquisition, cfg.Device.Options())
	worker := acquisition.NewWorker(ctrl)
	go worker.Run(ctx)

	// Acquisition stays in disconnected mode until the device opens; the
	// dashboard starts regardless.
	if c, ok := ch.(device.Connector); ok && cfg.Device.Type != "none" && cfg.Device.Type != "disabled" {
		go superviseConnection(ctx, log, c, worker)
	}

	sinks := server.Sinks{Metrics: metrics.New()}
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store)
		if err != nil {
			log.Error().Err(err).Msg("run history disabled")
		} else {
			sinks.Store = st
			defer st.Close()
		}
	}
	if cfg.MQTT.Enabled {
		m, err := publish.NewMQTT(cfg.MQTT)
		if err != nil {
			log.Error().Err(err).Msg("mqtt disabled")
		} else {
			sinks.MQTT = m
			defer m.Close()
		}
	}

	srv := server.New(cfg, worker, web.FS, sinks)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited")
		cancel()
	}
	<-worker.Done()
	log.Info().Msg("shutdown complete")
}

func printPorts() int {
	ports, err := device.ListPorts()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return 0
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return 0
}

// superviseConnection keeps the device connected. After every successful
// (re)connect the active configuration is re-sent so the board's channel
// selection matches.
func superviseConnection(ctx context.Context, log zerolog.Logger, c device.Connector, w *acquisition.Worker) {
	check := time.NewTicker(2 * time.Second)
	defer check.Stop()

	for {
		if !connectWithRetry(ctx, log, c, 10) {
			return
		}
		if err := w.Configure(ctx, w.Snapshot().Config); err != nil {
			log.Warn().Err(err).Msg("could not re-apply configuration")
		}

		for c.IsOpen() {
			select {
			case <-ctx.Done():
				c.Close()
				return
			case <-check.C:
			}
		}
		log.Warn().Msg("device connection lost, reconnecting")
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It returns false if ctx is
// cancelled first.
func connectWithRetry(ctx context.Context, log zerolog.Logger, c device.Connector, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Info().Int("attempt", attempt+1).Msg("device connected")
			return true
		}

		attempt++
		ev := log.Warn()
		if attempt > maxAttempts {
			ev = log.Debug()
		}
		ev.Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("device connect failed")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
