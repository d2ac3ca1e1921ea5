package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/config"
	"gpsd-forwarder/internal/replay"
	"gpsd-forwarder/internal/status"
	"gpsd-forwarder/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./gpsd-forwarder.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logs := status.NewBuffer(cfg.Log.Buffer)
	setupLogging(cfg.Log, os.Stderr, logs)
	lg := log.With().Str("module", "main").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	plat, err := buildPlatform(ctx, cfg, log.Logger)
	if err != nil {
		lg.Fatal().Err(err).Msg("platform init failed")
	}
	defer plat.Close()

	rc := runtimeConfig{
		Config:   cfg,
		Platform: plat.Platform,
		Kind:     plat.Kind,
		GPS:      plat.GPSSnapshot,
		Sink:     status.Zerolog(log.Logger),
		Logger:   log.Logger,
	}
	if cfg.Record.Enable {
		rec, err := replay.CreateWriter(cfg.Record.Path)
		if err != nil {
			lg.Fatal().Err(err).Msg("capture init failed")
		}
		defer rec.Close()
		rc.Recorder = rec
		lg.Info().Str("path", cfg.Record.Path).Msg("recording forwarded lines")
	}

	rt := newRuntime(rc)
	defer rt.Close()

	lg.Info().Str("platform", plat.Kind).Str("config", configPath).Msg("gpsd-forwarder starting")

	if cfg.Autostart {
		if err := rt.StartSession(ctx, rt.Defaults()); err != nil {
			lg.Error().Err(err).Msg("autostart failed")
		}
	}

	if cfg.Web.Enable {
		h := web.Handler(web.Options{Controller: rt, Logs: logs, Logger: &log.Logger})
		go func() {
			lg.Info().Str("listen", cfg.Web.Listen).Msg("web api listening")
			if err := web.Serve(ctx, cfg.Web.Listen, h); err != nil && ctx.Err() == nil {
				lg.Error().Err(err).Msg("web server stopped")
				cancel()
			}
		}()
	}

	<-ctx.Done()
	lg.Info().Msg("gpsd-forwarder stopping")
}

// setupLogging points the global logger at out and mirrors every event into
// the in-memory buffer served by the web API.
func setupLogging(cfg config.LogConfig, out io.Writer, buf *status.Buffer) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	// Buffer lines carry their own time.
	mirror := zerolog.ConsoleWriter{
		Out:     buf,
		NoColor: true,
		FormatTimestamp: func(any) string {
			return ""
		},
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(out, mirror)).With().Timestamp().Logger()
}
