// Command gpsd-sink accepts forwarded streams and prints one line per
// message. It stands in for a gpsd server when testing the forwarder.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/gpsd"
)

func main() {
	var listen string
	var raw bool
	flag.StringVar(&listen, "listen", ":2947", "TCP listen address")
	flag.BoolVar(&raw, "raw", false, "Print the raw line next to the summary")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lg := log.With().Str("module", "sink").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		lg.Fatal().Err(err).Msg("listen failed")
	}
	lg.Info().Str("listen", ln.Addr().String()).Msg("waiting for streams")

	s := &sink{out: os.Stdout, raw: raw, log: lg}
	if err := s.serve(ctx, ln); err != nil {
		lg.Fatal().Err(err).Msg("accept failed")
	}
}

type sink struct {
	out io.Writer
	raw bool
	log zerolog.Logger

	mu sync.Mutex // serializes writes to out
}

// serve accepts until ctx is cancelled, then closes ln and waits for the
// open streams to finish.
func (s *sink) serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *sink) handle(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	s.log.Info().Str("peer", peer).Msg("stream opened")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines, bad int
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		lines++
		rep, err := gpsd.ParseLine(line)
		s.mu.Lock()
		switch {
		case err != nil:
			bad++
			fmt.Fprintf(s.out, "%s ERR %v\n", peer, err)
		case s.raw:
			fmt.Fprintf(s.out, "%s %s | %s\n", peer, rep.Summary(), rep.Raw)
		default:
			fmt.Fprintf(s.out, "%s %s\n", peer, rep.Summary())
		}
		s.mu.Unlock()
	}
	ev := s.log.Info()
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("peer", peer).Int("lines", lines).Int("bad", bad).Msg("stream closed")
}
