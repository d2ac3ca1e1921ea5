// Command gpsd-replay streams a capture written by gpsd-forwarder to a
// server, with the original spacing between lines.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/config"
	"gpsd-forwarder/internal/forwarder"
	"gpsd-forwarder/internal/gpsd"
	"gpsd-forwarder/internal/replay"
	"gpsd-forwarder/internal/status"
)

type options struct {
	Host  string
	Port  int
	Speed float64
	Loop  bool
}

func main() {
	var (
		path string
		opts options
	)
	flag.StringVar(&path, "capture", "", "Capture file to replay")
	flag.StringVar(&opts.Host, "host", "127.0.0.1", "Server address")
	flag.IntVar(&opts.Port, "port", config.DefaultServerPort, "Server port")
	flag.Float64Var(&opts.Speed, "speed", 1.0, "Playback speed multiplier")
	flag.BoolVar(&opts.Loop, "loop", false, "Restart from the beginning at the end")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lg := log.With().Str("module", "replay").Logger()

	if path == "" {
		fmt.Fprintln(os.Stderr, "usage: gpsd-replay -capture FILE [-host H] [-port P] [-speed X] [-loop]")
		os.Exit(2)
	}
	records, err := replay.ReadFile(path)
	if err != nil {
		lg.Fatal().Err(err).Msg("read capture failed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sent, err := run(ctx, opts, records, forwarder.Config{Logger: &lg}, status.Zerolog(lg), nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		lg.Fatal().Err(err).Int("sent", sent).Msg("replay failed")
	}
	lg.Info().Int("sent", sent).Msg("replay done")
}

// run connects one forwarder and plays records through it. It returns the
// number of lines sent.
func run(ctx context.Context, opts options, records []replay.Record, fcfg forwarder.Config, sink status.Sink, sleeper replay.Sleeper) (int, error) {
	fwd := forwarder.New(fcfg)
	defer fwd.Stop()

	if err := fwd.Start(ctx, opts.Host, opts.Port); err != nil {
		sink.Log(forwarder.StatusText(err))
		return 0, err
	}
	sink.Log("Streaming to " + fwd.Target().String())

	sent := 0
	err := replay.Play(ctx, records, opts.Speed, opts.Loop, sleeper, func(line []byte) error {
		if err := fwd.Send(messageFor(line)); err != nil {
			sink.Log(forwarder.StatusText(err))
			return err
		}
		sent++
		return nil
	})
	return sent, err
}

// messageFor classifies a captured line the way it was produced: JSON
// objects are attitude reports, everything else is NMEA.
func messageFor(line []byte) gpsd.Message {
	kind := gpsd.KindNMEA
	if len(line) > 0 && line[0] == '{' {
		kind = gpsd.KindATT
	}
	return gpsd.Message{Kind: kind, Payload: line, Received: time.Now()}
}
