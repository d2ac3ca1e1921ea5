package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gpsd-forwarder/internal/status"
)

const (
	defaultTail = 200
	maxTail     = 5000
	writeWait   = 5 * time.Second
)

type LogsResponse struct {
	NowUTC  string        `json:"now_utc"`
	Dropped uint64        `json:"dropped"`
	Lines   []status.Line `json:"lines"`
}

func parseTail(r *http.Request, def int) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get("tail"))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 || v > maxTail {
		return 0, fmt.Errorf("tail must be an integer in [1,%d]", maxTail)
	}
	return v, nil
}

func formatLine(l status.Line) string {
	return l.Time.UTC().Format("15:04:05.000") + " " + l.Text
}

func logsHandler(buf *status.Buffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tail, err := parseTail(r, defaultTail)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		lines, dropped := buf.Snapshot(tail)

		if strings.EqualFold(r.URL.Query().Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = w.Write([]byte(formatLine(line)))
				_, _ = w.Write([]byte("\n"))
			}
			return
		}

		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// logStreamHandler pushes every new status line as a JSON text frame. With
// ?tail=N the last N buffered lines are sent first.
func logStreamHandler(buf *status.Buffer, lg zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tail, err := parseTail(r, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Subscribe before taking the backlog so no line is lost. A line logged
		// in between is sent twice.
		id, ch := buf.Subscribe(256)
		defer buf.Unsubscribe(id)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			lg.Debug().Err(err).Msg("log stream upgrade failed")
			return
		}
		defer conn.Close()

		// The client never sends anything we use; reading is only for
		// noticing the close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						lg.Debug().Err(err).Msg("log stream closed")
					}
					return
				}
			}
		}()

		send := func(l status.Line) error {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteJSON(l)
		}

		if tail > 0 {
			backlog, _ := buf.Snapshot(tail)
			for _, l := range backlog {
				if err := send(l); err != nil {
					return
				}
			}
		}

		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case l, ok := <-ch:
				if !ok {
					return
				}
				if err := send(l); err != nil {
					return
				}
			}
		}
	}
}
