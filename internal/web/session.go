package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"gpsd-forwarder/internal/session"
)

const maxBody = 64 << 10

// requestError marks a problem with the client's input.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// StartRequest is the body of POST /api/session/start. Omitted fields take
// the controller's defaults. ServerPort may be a JSON number or a string.
type StartRequest struct {
	ServerAddress *string           `json:"server_address"`
	ServerPort    json.RawMessage   `json:"server_port"`
	Sampling      *session.Sampling `json:"sampling"`
}

// Params merges req over defaults.
func (req StartRequest) Params(defaults session.Params) (session.Params, error) {
	p := defaults
	if req.ServerAddress != nil {
		p.ServerAddress = strings.TrimSpace(*req.ServerAddress)
	}
	if raw := bytes.TrimSpace(req.ServerPort); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		s := string(raw)
		if raw[0] == '"' {
			if err := json.Unmarshal(raw, &s); err != nil {
				return p, badRequest("server_port: %v", err)
			}
		}
		port, err := SanitizePort(s)
		if err != nil {
			return p, err
		}
		p.ServerPort = port
	}
	if req.Sampling != nil {
		p.Sampling = *req.Sampling
	}
	return p, nil
}

// SanitizePort reads a user-typed port. Leading zeros are dropped and any
// value above 65535 becomes 65535. Zero, empty and non-numeric input is
// rejected.
func SanitizePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, badRequest("server_port is required")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, badRequest("server_port %q is not a number", s)
		}
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return 0, badRequest("server_port must be 1-65535")
	}
	if len(s) > 5 {
		return 65535, nil
	}
	v, _ := strconv.Atoi(s)
	if v > 65535 {
		v = 65535
	}
	return v, nil
}

func startHandler(ctl Controller, lg zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, badRequest("invalid request body: %v", err))
			return
		}
		p, err := req.Params(ctl.Defaults())
		if err != nil {
			writeError(w, err)
			return
		}
		if err := p.Validate(); err != nil {
			writeError(w, badRequest("%v", err))
			return
		}
		// The session outlives the request.
		if err := ctl.StartSession(context.WithoutCancel(r.Context()), p); err != nil {
			lg.Warn().Err(err).Msg("session start rejected")
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ctl.Status())
	}
}

type samplingRequest struct {
	Sampling session.Sampling `json:"sampling"`
}

func samplingHandler(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req samplingRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, badRequest("invalid request body: %v", err))
			return
		}
		if err := ctl.SetSampling(req.Sampling); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, okResponse{OK: true})
	}
}
