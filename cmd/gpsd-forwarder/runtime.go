package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpsd-forwarder/internal/config"
	"gpsd-forwarder/internal/forwarder"
	"gpsd-forwarder/internal/gps"
	"gpsd-forwarder/internal/session"
	"gpsd-forwarder/internal/source"
	"gpsd-forwarder/internal/status"
	"gpsd-forwarder/internal/web"
)

type runtimeConfig struct {
	Config   config.Config
	Platform source.Platform
	Kind     string
	// GPS reports the hardware receiver, when there is one.
	GPS func() (gps.Snapshot, bool)

	Sink     status.Sink
	Recorder session.Recorder
	Logger   zerolog.Logger

	Resolve forwarder.ResolveFunc
	Dial    forwarder.DialFunc
	Now     func() time.Time
}

// runtime owns at most one session at a time. Every start builds a new
// session, so a stopped or failed one is never reused.
type runtime struct {
	rc      runtimeConfig
	log     zerolog.Logger
	started time.Time

	mu       sync.Mutex
	current  *session.Session
	last     *session.Session
	sampling source.Sampling
	starts   uint64
}

func newRuntime(rc runtimeConfig) *runtime {
	if rc.Now == nil {
		rc.Now = time.Now
	}
	if rc.Sink == nil {
		rc.Sink = status.Discard
	}
	return &runtime{
		rc:       rc,
		log:      rc.Logger.With().Str("module", "runtime").Logger(),
		started:  rc.Now(),
		sampling: rc.Config.Attitude.Rate,
	}
}

// Defaults are the configured server and the most recent sampling rate.
func (r *runtime) Defaults() session.Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return session.Params{
		ServerAddress: r.rc.Config.Server.Address,
		ServerPort:    r.rc.Config.Server.Port,
		Sampling:      r.sampling,
	}
}

func (r *runtime) StartSession(ctx context.Context, p session.Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return web.ErrBusy
	}

	s := session.New(session.Config{
		Platform:   r.rc.Platform,
		Sink:       r.rc.Sink,
		Logger:     &r.rc.Logger,
		Resolve:    r.rc.Resolve,
		Dial:       r.rc.Dial,
		Recorder:   r.rc.Recorder,
		MaxPending: r.rc.Config.Queue.MaxPending,
		Now:        r.rc.Now,
	})
	r.starts++
	r.last = s
	if err := s.Start(ctx, p); err != nil {
		return err
	}
	r.current = s
	r.sampling = p.Sampling
	go r.watch(s)
	return nil
}

// watch clears current once s ends on its own.
func (r *runtime) watch(s *session.Session) {
	<-s.Done()
	r.mu.Lock()
	if r.current == s {
		r.current = nil
	}
	r.mu.Unlock()
	if err := s.Err(); err != nil {
		r.log.Info().Err(err).Str("session", s.ID()).Msg("session ended")
	}
}

func (r *runtime) StopSession() error {
	r.mu.Lock()
	s := r.current
	r.current = nil
	r.mu.Unlock()
	if s == nil {
		return web.ErrNoSession
	}
	s.Stop()
	return nil
}

func (r *runtime) SetSampling(sampling session.Sampling) error {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return web.ErrNoSession
	}
	if err := s.SetSampling(sampling); err != nil {
		if errors.Is(err, session.ErrNotRunning) {
			return web.ErrNoSession
		}
		return err
	}
	r.mu.Lock()
	r.sampling = sampling
	r.mu.Unlock()
	return nil
}

// runtimeStatus is served at /api/status.
type runtimeStatus struct {
	Service   string            `json:"service"`
	NowUTC    string            `json:"now_utc"`
	UptimeSec int64             `json:"uptime_sec"`
	Platform  string            `json:"platform"`
	Running   bool              `json:"running"`
	Starts    uint64            `json:"starts"`
	Defaults  session.Params    `json:"defaults"`
	Session   *session.Snapshot `json:"session,omitempty"`
	GPS       *gps.Snapshot     `json:"gps,omitempty"`
}

func (r *runtime) Status() any {
	now := r.rc.Now()
	def := r.Defaults()

	r.mu.Lock()
	running := r.current != nil
	last := r.last
	starts := r.starts
	r.mu.Unlock()

	st := runtimeStatus{
		Service:   "gpsd-forwarder",
		NowUTC:    now.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(now.Sub(r.started).Seconds()),
		Platform:  r.rc.Kind,
		Running:   running,
		Starts:    starts,
		Defaults:  def,
	}
	if last != nil {
		snap := last.Snapshot()
		st.Session = &snap
	}
	if r.rc.GPS != nil {
		if g, ok := r.rc.GPS(); ok {
			st.GPS = &g
		}
	}
	return st
}

func (r *runtime) Close() {
	_ = r.StopSession()
}
