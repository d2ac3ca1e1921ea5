// Package web serves the forwarder's control and status API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/session"
	"gpsd-forwarder/internal/status"
)

var (
	// ErrBusy is returned by Controller.StartSession while a session runs.
	ErrBusy = errors.New("web: a session is already running")
	// ErrNoSession is returned when an operation needs a running session.
	ErrNoSession = errors.New("web: no session is running")
)

// Controller owns the forwarding session. Implementations must be safe for
// concurrent use.
type Controller interface {
	// Status returns a JSON-encodable snapshot.
	Status() any
	// Defaults are the parameters used for fields a start request omits.
	Defaults() session.Params
	StartSession(ctx context.Context, p session.Params) error
	StopSession() error
	SetSampling(s session.Sampling) error
}

// Options configures Handler. Logs may be nil, which disables the log
// endpoints.
type Options struct {
	Controller Controller
	Logs       *status.Buffer
	Logger     *zerolog.Logger
}

// Handler builds the API router.
func Handler(opts Options) http.Handler {
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	lg = lg.With().Str("module", "web").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, opts.Controller.Status())
	})

	if opts.Logs != nil {
		r.Get("/api/logs", logsHandler(opts.Logs))
		r.Get("/api/logs/ws", logStreamHandler(opts.Logs, lg))
	}

	r.Route("/api/session", func(r chi.Router) {
		r.Post("/start", startHandler(opts.Controller, lg))
		r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
			if err := opts.Controller.StopSession(); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, okResponse{OK: true})
		})
		r.Put("/sampling", samplingHandler(opts.Controller))
	})

	return r
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, ErrNoSession):
		code = http.StatusNotFound
	case errors.As(err, new(*requestError)):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, okResponse{Error: err.Error()})
}

// Serve runs the API on listenAddr until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
