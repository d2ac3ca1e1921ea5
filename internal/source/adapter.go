package source

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/gpsd"
	"gpsd-forwarder/internal/status"
)

// Handler receives the adapter's output. Both methods are called from
// platform callback goroutines and must not block.
type Handler interface {
	HandleNMEA(n gpsd.NMEA)
	HandleAttitude(rec attitude.Record)
}

type Config struct {
	Handler Handler
	Sink    status.Sink
	Logger  *zerolog.Logger

	// Now stamps attitude records. Defaults to time.Now.
	Now func() time.Time
}

// Capabilities reports what Start managed to subscribe to.
type Capabilities struct {
	APILevel int
	NMEA     NMEAStrategy
	Sensors  []attitude.Axis
}

// Stats counts what the adapter has produced.
type Stats struct {
	Sentences uint64 `json:"sentences"`
	Records   uint64 `json:"records"`
	Malformed uint64 `json:"malformed"`
}

// Adapter owns every platform subscription of one session. It is
// single-use: Start once, Stop once.
type Adapter struct {
	handler Handler
	sink    status.Sink
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	started  bool
	stopped  bool
	platform Platform
	nmea     nmeaSubscription
	sensors  []Sensor
	sampling Sampling

	active atomic.Bool

	locL    *locationListener
	sensorL *sensorListener

	// One lock per callback source. Callbacks from the same source are
	// serialized; Stop takes each lock once so nothing is in flight after it
	// returns.
	locMu    sync.Mutex
	nmeaMu   sync.Mutex
	sensorMu [len(attitude.Axes)]sync.Mutex

	slots     attitude.Slots
	malformed [len(attitude.Axes)]atomic.Bool

	sentences  atomic.Uint64
	records    atomic.Uint64
	badSamples atomic.Uint64
}

func New(cfg Config) *Adapter {
	a := &Adapter{
		handler: cfg.Handler,
		sink:    cfg.Sink,
		now:     cfg.Now,
	}
	if a.sink == nil {
		a.sink = status.Discard
	}
	if a.now == nil {
		a.now = time.Now
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	a.log = l.With().Str("module", "source").Logger()
	a.locL = &locationListener{a: a}
	a.sensorL = &sensorListener{a: a}
	return a
}

// Start subscribes to the gps provider, to NMEA through whichever API the
// platform offers, and to the motion sensors unless sampling is disabled.
//
// A location subscription failure is returned as *PermissionError or
// *NoProviderError. A missing NMEA API or a sensor that cannot be
// registered is logged as a status.DegradedModeWarning and the adapter
// carries on without it.
func (a *Adapter) Start(p Platform, sampling Sampling) (Capabilities, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started || a.stopped {
		return Capabilities{}, ErrAlreadyStarted
	}
	if p.Location == nil {
		return Capabilities{}, &NoProviderError{Provider: GPSProvider, Err: ErrProviderUnavailable}
	}

	a.active.Store(true)
	if err := p.Location.RequestLocationUpdates(GPSProvider, a.locL); err != nil {
		a.active.Store(false)
		a.stopped = true
		return Capabilities{}, classifyLocationError(GPSProvider, err)
	}
	a.started = true
	a.platform = p

	level := p.Location.APILevel()
	caps := Capabilities{APILevel: level}

	if sub := probeNMEA(a, p.Location); sub == nil {
		status.Warn(a.sink, &status.DegradedModeWarning{
			Feature: "NMEA",
			Reason:  "no NMEA listener API at platform level " + strconv.Itoa(level) + ", streaming attitude only",
		})
	} else if err := sub.add(); err != nil {
		status.Warn(a.sink, &status.DegradedModeWarning{Feature: "NMEA", Reason: "listener registration failed", Err: err})
	} else {
		a.nmea = sub
		caps.NMEA = sub.strategy()
	}

	if p.Sensors != nil {
		for _, axis := range attitude.Axes {
			if s := p.Sensors.DefaultSensor(axis); s != nil {
				a.sensors = append(a.sensors, s)
				caps.Sensors = append(caps.Sensors, axis)
			}
		}
	}
	a.registerSensorsLocked(sampling)

	a.log.Debug().
		Int("api_level", level).
		Str("nmea", caps.NMEA.String()).
		Int("sensors", len(caps.Sensors)).
		Str("sampling", sampling.String()).
		Msg("source started")
	return caps, nil
}

// SetSampling re-registers every available motion sensor at the new period.
func (a *Adapter) SetSampling(s Sampling) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stopped {
		return ErrNotStarted
	}
	a.registerSensorsLocked(s)
	return nil
}

func (a *Adapter) registerSensorsLocked(s Sampling) {
	a.sampling = s
	sm := a.platform.Sensors
	if sm == nil {
		return
	}
	sm.UnregisterListener(a.sensorL)
	if !s.Enabled() {
		return
	}
	for _, sensor := range a.sensors {
		if err := sm.RegisterListener(a.sensorL, sensor, s.PeriodUs); err != nil {
			status.Warn(a.sink, &status.DegradedModeWarning{Feature: sensor.Axis().String(), Reason: "register failed", Err: err})
		}
	}
}

// Sampling returns the period last applied.
func (a *Adapter) Sampling() Sampling {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampling
}

// Stop removes every subscription. It is safe to call more than once and
// before Start. Callbacks that arrive afterwards are ignored.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stopped {
		a.stopped = true
		return
	}
	a.stopped = true
	a.active.Store(false)

	p := a.platform
	p.Location.RemoveUpdates(a.locL)
	if p.Sensors != nil {
		p.Sensors.UnregisterListener(a.sensorL)
	}
	if a.nmea != nil {
		if err := a.nmea.remove(); err != nil {
			a.sink.Log("Failed to call removeNmeaListener: " + err.Error())
		}
	}

	a.locMu.Lock()
	a.locMu.Unlock()
	a.nmeaMu.Lock()
	a.nmeaMu.Unlock()
	for i := range a.sensorMu {
		a.sensorMu[i].Lock()
		a.sensorMu[i].Unlock()
	}
	a.slots.Reset()
	a.log.Debug().Msg("source stopped")
}

// Stats returns the running counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Sentences: a.sentences.Load(),
		Records:   a.records.Load(),
		Malformed: a.badSamples.Load(),
	}
}

func (a *Adapter) onNMEA(message string, ts time.Time) {
	a.nmeaMu.Lock()
	defer a.nmeaMu.Unlock()
	if !a.active.Load() {
		return
	}
	if ts.IsZero() {
		ts = a.now()
	}
	a.sentences.Add(1)
	if a.handler != nil {
		a.handler.HandleNMEA(gpsd.NMEA{Sentence: message, Received: ts})
	}
}

func (a *Adapter) onSensor(ev SensorEvent) {
	if ev.Sensor == nil {
		return
	}
	axis := ev.Sensor.Axis()
	if axis < attitude.Accel || axis > attitude.Mag {
		return
	}
	a.sensorMu[axis].Lock()
	defer a.sensorMu[axis].Unlock()
	if !a.active.Load() {
		return
	}
	if len(ev.Values) < 3 {
		a.badSamples.Add(1)
		if a.malformed[axis].CompareAndSwap(false, true) {
			a.sink.Log(fmt.Sprintf("Ignoring malformed %s event with %d values", axis, len(ev.Values)))
		}
		return
	}
	a.slots.Store(attitude.Sample{
		Axis:   axis,
		Values: attitude.Vec3{ev.Values[0], ev.Values[1], ev.Values[2]},
		Time:   ev.Time,
	})
	if axis != attitude.Mag {
		return
	}
	rec := a.slots.Fuse(a.now())
	a.records.Add(1)
	if a.handler != nil {
		a.handler.HandleAttitude(rec)
	}
}

type locationListener struct{ a *Adapter }

func (l *locationListener) enter() bool {
	l.a.locMu.Lock()
	if !l.a.active.Load() {
		l.a.locMu.Unlock()
		return false
	}
	return true
}

func (l *locationListener) leave() { l.a.locMu.Unlock() }

// Positions reach the server as NMEA; the fix itself is not forwarded.
func (l *locationListener) OnLocationChanged(Location) {}

func (l *locationListener) OnStatusChanged(provider string, st ProviderStatus, satellites int) {
	if !l.enter() {
		return
	}
	defer l.leave()
	msg := provider + " status: " + st.String()
	if satellites >= 0 {
		msg += " with " + strconv.Itoa(satellites) + " satellites"
	}
	l.a.sink.Log(msg)
}

func (l *locationListener) OnProviderEnabled(provider string) {
	if !l.enter() {
		return
	}
	defer l.leave()
	l.a.sink.Log("Location provider enabled: " + provider)
}

func (l *locationListener) OnProviderDisabled(provider string) {
	if !l.enter() {
		return
	}
	defer l.leave()
	l.a.sink.Log("Location provider disabled: " + provider)
}

type sensorListener struct{ a *Adapter }

func (l *sensorListener) OnSensorChanged(ev SensorEvent) { l.a.onSensor(ev) }

// StatusText renders a fatal start error the way the front-end shows it.
func StatusText(err error) string {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return "No permission to access GPS"
	}
	var npe *NoProviderError
	if errors.As(err, &npe) {
		return "No GPS available"
	}
	return err.Error()
}
