package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Status is the receiver's coarse fix state.
type Status int

const (
	// NoFix: the receiver talks but has no position.
	NoFix Status = iota
	HasFix
	// Lost: the port failed or was closed. Terminal.
	Lost
)

func (s Status) String() string {
	switch s {
	case HasFix:
		return "fix"
	case Lost:
		return "lost"
	default:
		return "no_fix"
	}
}

// Fix is the latest decoded position.
type Fix struct {
	LatDeg     float64
	LonDeg     float64
	AltM       float64
	SpeedKt    float64
	TrackDeg   float64
	Satellites int
	HDOP       float64
	Time       time.Time
}

// Handler receives receiver events on the read goroutine.
type Handler interface {
	Sentence(line string, at time.Time)
	StatusChanged(st Status, satellites int)
	Fix(f Fix)
}

// OpenFunc opens a serial port.
type OpenFunc func(device string, baud int) (io.ReadWriteCloser, error)

type Config struct {
	// Device may be empty to auto-detect /dev/ttyACM* and /dev/ttyUSB*.
	Device string
	Baud   int
	Logger *zerolog.Logger

	// Open defaults to the platform serial driver.
	Open OpenFunc
	Now  func() time.Time
}

type Snapshot struct {
	Device     string  `json:"device,omitempty"`
	Baud       int     `json:"baud,omitempty"`
	Status     string  `json:"status"`
	Sentences  uint64  `json:"sentences"`
	BadLines   uint64  `json:"bad_lines"`
	LatDeg     float64 `json:"lat_deg,omitempty"`
	LonDeg     float64 `json:"lon_deg,omitempty"`
	Satellites int     `json:"satellites,omitempty"`
	LastFixUTC string  `json:"last_fix_utc,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
}

// Receiver owns one serial port. Start it once; Close stops the read loop
// and waits for it.
type Receiver struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	port   io.Closer
	cancel context.CancelFunc
	snap   Snapshot
	wg     sync.WaitGroup

	sentences atomic.Uint64
	badLines  atomic.Uint64
}

func New(cfg Config) *Receiver {
	if cfg.Open == nil {
		cfg.Open = openSerial
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Receiver{
		cfg:  cfg,
		log:  l.With().Str("module", "gps").Logger(),
		snap: Snapshot{Device: cfg.Device, Baud: cfg.Baud, Status: NoFix.String()},
	}
}

// Start opens the port and begins reading. Open errors are returned; read
// errors end the loop and are reported as Lost.
func (r *Receiver) Start(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("gps: handler is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("gps: already started")
	}

	device := strings.TrimSpace(r.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			r.snap.LastError = "auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found"
			return fmt.Errorf("gps: auto-detect failed")
		}
	}
	port, err := r.cfg.Open(device, r.cfg.Baud)
	if err != nil {
		r.snap.LastError = err.Error()
		return fmt.Errorf("gps: open %s at %d baud: %w", device, r.cfg.Baud, err)
	}
	r.port = port
	r.snap.Device = device

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.readLoop(runCtx, port, h)
	}()
	// Unblock a pending Read when ctx ends.
	go func() {
		<-runCtx.Done()
		_ = port.Close()
	}()

	r.log.Info().Str("device", device).Int("baud", r.cfg.Baud).Msg("gps receiver opened")
	return nil
}

func (r *Receiver) readLoop(ctx context.Context, port io.Reader, h Handler) {
	sc := bufio.NewScanner(port)
	// NMEA sentences are at most 82 bytes; leave room for proprietary ones.
	sc.Buffer(make([]byte, 0, 256), 4096)

	var st tracker
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "$") && !strings.HasPrefix(line, "!") {
			continue
		}
		base, err := nmea.ParseSentence(line)
		if err != nil {
			if r.badLines.Add(1) == 1 {
				r.log.Debug().Err(err).Msg("dropping bad sentence")
			}
			continue
		}
		now := r.cfg.Now()
		r.sentences.Add(1)
		h.Sentence(line, now)

		changed, fixed := st.apply(base, line, now)
		if fixed {
			h.Fix(st.fix)
			r.mu.Lock()
			r.snap.LatDeg, r.snap.LonDeg = st.fix.LatDeg, st.fix.LonDeg
			r.snap.LastFixUTC = now.UTC().Format(time.RFC3339)
			r.mu.Unlock()
		}
		if changed {
			r.mu.Lock()
			r.snap.Status = st.status.String()
			r.snap.Satellites = st.satellites
			r.mu.Unlock()
			h.StatusChanged(st.status, st.satellites)
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	} else {
		r.log.Warn().Err(err).Msg("gps read stopped")
	}
	r.mu.Lock()
	r.snap.Status = Lost.String()
	r.snap.LastError = err.Error()
	r.mu.Unlock()
	h.StatusChanged(Lost, -1)
}

// Close stops the read loop. It is safe to call more than once.
func (r *Receiver) Close() {
	r.mu.Lock()
	cancel := r.cancel
	port := r.port
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if port != nil {
		_ = port.Close()
	}
	r.wg.Wait()
}

func (r *Receiver) Snapshot() Snapshot {
	r.mu.Lock()
	out := r.snap
	r.mu.Unlock()
	out.Sentences = r.sentences.Load()
	out.BadLines = r.badLines.Load()
	return out
}

// tracker folds GGA/RMC into a fix state.
type tracker struct {
	status     Status
	satellites int
	seen       bool
	fix        Fix
}

// apply reports whether the status or satellite count changed and whether
// a fresh position was decoded. Fix quality and validity come from the raw
// fields so that empty no-fix sentences still count.
func (t *tracker) apply(base nmea.BaseSentence, line string, now time.Time) (changed, fixed bool) {
	prevStatus, prevSats, prevSeen := t.status, t.satellites, t.seen
	switch base.Type {
	case nmea.TypeGGA:
		if len(base.Fields) < 7 {
			return false, false
		}
		t.seen = true
		t.satellites, _ = strconv.Atoi(base.Fields[6])
		if q := base.Fields[5]; q == "" || q == nmea.Invalid {
			t.status = NoFix
			break
		}
		t.status = HasFix
		if m, err := nmea.Parse(line); err == nil {
			if gga, ok := m.(nmea.GGA); ok {
				t.fix.LatDeg = gga.Latitude
				t.fix.LonDeg = gga.Longitude
				t.fix.AltM = gga.Altitude
				t.fix.HDOP = gga.HDOP
				t.fix.Satellites = t.satellites
				t.fix.Time = now
				fixed = true
			}
		}
	case nmea.TypeRMC:
		if len(base.Fields) < 2 {
			return false, false
		}
		if base.Fields[1] != nmea.ValidRMC {
			if !t.seen {
				t.seen = true
				t.status = NoFix
			}
			break
		}
		if m, err := nmea.Parse(line); err == nil {
			if rmc, ok := m.(nmea.RMC); ok {
				t.fix.LatDeg = rmc.Latitude
				t.fix.LonDeg = rmc.Longitude
				t.fix.SpeedKt = rmc.Speed
				t.fix.TrackDeg = rmc.Course
				t.fix.Time = now
				fixed = true
			}
		}
	default:
		return false, false
	}
	changed = (!prevSeen && t.seen) || prevStatus != t.status || prevSats != t.satellites
	return changed, fixed
}

func autoDetectDevice() string {
	var candidates []string
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
