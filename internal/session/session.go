// Package session wires one streaming session together: platform
// subscriptions, the attitude fuser, the message queue and the outbound
// connection.
//
// All network work runs on one worker goroutine owned by the session.
// Platform callbacks only ever touch the queue.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/forwarder"
	"gpsd-forwarder/internal/gpsd"
	"gpsd-forwarder/internal/mux"
	"gpsd-forwarder/internal/source"
	"gpsd-forwarder/internal/status"
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNotRunning     = errors.New("session: not running")
	ErrStopped        = errors.New("session: stopped before it started")
)

// Recorder captures every forwarded line.
type Recorder interface {
	WriteLine(now time.Time, line []byte) error
}

type Config struct {
	Platform source.Platform
	Sink     status.Sink
	Logger   *zerolog.Logger

	// Resolve and Dial default to the system resolver and a plain TCP
	// dialer.
	Resolve forwarder.ResolveFunc
	Dial    forwarder.DialFunc

	// Recorder is optional.
	Recorder Recorder

	// MaxPending bounds the queue between callbacks and the worker.
	MaxPending int

	Now func() time.Time
}

// Snapshot is a status view of a session.
type Snapshot struct {
	ID           string              `json:"id"`
	State        string              `json:"state"`
	Params       Params              `json:"params"`
	NMEA         string              `json:"nmea"`
	Sensors      []string            `json:"sensors"`
	StartedUTC   string              `json:"started_utc,omitempty"`
	Error        string              `json:"error,omitempty"`
	Forwarder    forwarder.Snapshot  `json:"forwarder"`
	Queue        mux.Stats           `json:"queue"`
	Source       source.Stats        `json:"source"`
	LastAttitude *gpsd.ATT           `json:"last_attitude,omitempty"`
	Recorder     *RecorderStatistics `json:"recorder,omitempty"`
}

// RecorderStatistics reports capture progress.
type RecorderStatistics struct {
	Lines  uint64 `json:"lines"`
	Errors uint64 `json:"errors"`
}

// Session is single-use: Start once, Stop once.
type Session struct {
	id   string
	cfg  Config
	sink status.Sink
	log  zerolog.Logger

	adapter *source.Adapter
	queue   *mux.Multiplexer
	fwd     *forwarder.Forwarder

	mu        sync.Mutex
	started   bool
	params    Params
	caps      source.Capabilities
	startedAt time.Time
	cancel    context.CancelFunc
	err       error

	lastATT atomic.Pointer[gpsd.ATT]

	recLines atomic.Uint64
	recErrs  atomic.Uint64

	teardownOnce sync.Once
	failOnce     sync.Once
	done         chan struct{}
	doneOnce     sync.Once
}

func New(cfg Config) *Session {
	s := &Session{
		id:   uuid.NewString(),
		cfg:  cfg,
		sink: cfg.Sink,
		done: make(chan struct{}),
	}
	if s.sink == nil {
		s.sink = status.Discard
	}
	if s.cfg.Now == nil {
		s.cfg.Now = time.Now
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	s.log = l.With().Str("module", "session").Str("session", s.id).Logger()

	s.queue = mux.New(mux.Config{Sink: s.sink, Logger: &s.log, MaxPending: cfg.MaxPending})
	s.adapter = source.New(source.Config{Handler: (*handler)(s), Sink: s.sink, Logger: &s.log, Now: s.cfg.Now})
	s.fwd = forwarder.New(forwarder.Config{Resolve: cfg.Resolve, Dial: cfg.Dial, Logger: &s.log})
	return s
}

func (s *Session) ID() string { return s.id }

// Start validates p, subscribes to the platform and launches the network
// worker. Platform failures are returned directly. Resolution and
// connection failures happen on the worker: they are logged, end the
// session, and are available from Err once Done is closed.
func (s *Session) Start(ctx context.Context, p Params) error {
	if err := p.Validate(); err != nil {
		s.sink.Log(err.Error())
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.params = p
	s.startedAt = s.cfg.Now().UTC()
	s.mu.Unlock()

	caps, err := s.adapter.Start(s.cfg.Platform, p.Sampling)
	if errors.Is(err, source.ErrAlreadyStarted) {
		// Stop got to the adapter first.
		s.teardown()
		s.finish()
		return ErrStopped
	}
	if err != nil {
		s.fail(err)
		s.teardown()
		s.finish()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.caps = caps
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info().
		Str("server", p.ServerAddress).
		Int("port", p.ServerPort).
		Str("sampling", p.Sampling.String()).
		Str("nmea", caps.NMEA.String()).
		Msg("session started")

	go s.run(runCtx, p)
	return nil
}

func (s *Session) run(ctx context.Context, p Params) {
	defer s.finish()
	defer s.teardown()

	if err := s.fwd.Start(ctx, p.ServerAddress, p.ServerPort); err != nil {
		if errors.Is(err, forwarder.ErrStopped) || errors.Is(err, forwarder.ErrAlreadyStarted) || ctx.Err() != nil {
			return
		}
		s.fail(err)
		return
	}
	s.sink.Log("Streaming to " + s.fwd.Target().String())

	for {
		msg, err := s.queue.Next(ctx)
		if err != nil {
			return
		}
		if err := s.fwd.Send(msg); err != nil {
			if !errors.Is(err, forwarder.ErrNotStreaming) {
				s.fail(err)
			}
			return
		}
		s.record(msg)
	}
}

func (s *Session) record(msg gpsd.Message) {
	if s.cfg.Recorder == nil {
		return
	}
	if err := s.cfg.Recorder.WriteLine(s.cfg.Now(), msg.Payload); err != nil {
		if s.recErrs.Add(1) == 1 {
			s.log.Warn().Err(err).Msg("capture write failed")
		}
		return
	}
	s.recLines.Add(1)
}

// fail records the first fatal error and logs it once.
func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.sink.Log(StatusText(err))
		s.log.Error().Err(err).Msg("session failed")
	})
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.adapter.Stop()
		s.queue.Close()
		s.fwd.Stop()
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	})
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Stop ends the session and waits for the worker to exit. It is safe to
// call at any time and more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = true
	s.mu.Unlock()

	s.teardown()
	if !started {
		s.finish()
	}
	<-s.done
	s.log.Debug().Msg("session stopped")
}

// SetSampling changes the motion-sensor rate of a running session.
func (s *Session) SetSampling(sampling Sampling) error {
	if err := s.adapter.SetSampling(sampling); err != nil {
		if errors.Is(err, source.ErrNotStarted) {
			return ErrNotRunning
		}
		return err
	}
	s.mu.Lock()
	s.params.Sampling = sampling
	s.mu.Unlock()
	return nil
}

// Done is closed when the session has ended, by Stop or by a fatal error.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{
		ID:     s.id,
		Params: s.params,
		NMEA:   s.caps.NMEA.String(),
	}
	for _, a := range s.caps.Sensors {
		out.Sensors = append(out.Sensors, a.String())
	}
	if !s.startedAt.IsZero() {
		out.StartedUTC = s.startedAt.Format(time.RFC3339Nano)
	}
	if s.err != nil {
		out.Error = s.err.Error()
	}
	started := s.started
	failed := s.err != nil
	s.mu.Unlock()

	select {
	case <-s.done:
		out.State = "stopped"
		if failed {
			out.State = "failed"
		}
	default:
		out.State = "running"
		if !started {
			out.State = "idle"
		}
	}
	out.Forwarder = s.fwd.Snapshot()
	out.Queue = s.queue.Stats()
	out.Source = s.adapter.Stats()
	out.LastAttitude = s.lastATT.Load()
	if s.cfg.Recorder != nil {
		out.Recorder = &RecorderStatistics{Lines: s.recLines.Load(), Errors: s.recErrs.Load()}
	}
	return out
}

// StatusText renders any fatal session error as front-end text.
func StatusText(err error) string {
	var (
		ue *forwarder.UnresolvedHostError
		ce *forwarder.ConnectError
		we *forwarder.WriteError
	)
	if errors.As(err, &ue) || errors.As(err, &ce) || errors.As(err, &we) {
		return forwarder.StatusText(err)
	}
	return source.StatusText(err)
}

// handler feeds the queue and remembers the latest attitude for Snapshot.
type handler Session

func (h *handler) HandleNMEA(n gpsd.NMEA) {
	h.queue.HandleNMEA(n)
}

func (h *handler) HandleAttitude(rec attitude.Record) {
	att := gpsd.NewATT(rec)
	h.lastATT.Store(&att)
	h.queue.HandleAttitude(rec)
}
