package sim

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/source"
)

// NMEA API sets a simulated device can expose.
const (
	NMEAAuto   = "auto"
	NMEAModern = "modern"
	NMEALegacy = "legacy"
	NMEABoth   = "both"
	NMEANone   = "none"
)

// DeviceConfig describes the simulated hardware.
type DeviceConfig struct {
	// APILevel is reported to the adapter. Defaults to 30.
	APILevel int
	// NMEA selects which listener APIs the location manager has: auto
	// (modern from level 24, legacy below), modern, legacy, both or none.
	NMEA string

	NoGPS            bool
	DenyPermission   bool
	LegacyRemoveFail bool
	MissingSensors   []attitude.Axis

	// Route drives Run. Defaults to an Orbit.
	Route Route
	Field Field
	// FixInterval is the NMEA period in Run. Defaults to one second.
	FixInterval time.Duration
	// SensorTick is the sensor scheduling granularity in Run. Defaults to
	// 5ms; periods shorter than this are delivered once per tick.
	SensorTick time.Duration

	Logger *zerolog.Logger
	Now    func() time.Time
}

// Device is a simulated phone. Events are delivered either by Run, from the
// route, or by the Emit methods, which tests call directly. Listeners are
// invoked on the caller's goroutine without any Device lock held.
type Device struct {
	cfg DeviceConfig
	log zerolog.Logger

	mu              sync.Mutex
	locListeners    []source.LocationListener
	modern          []source.NmeaMessageListener
	legacy          []source.LegacyNmeaListener
	sensorRegs      []sensorReg
	providerEnabled bool
}

type sensorReg struct {
	l        source.SensorListener
	axis     attitude.Axis
	period   time.Duration
	lastEmit time.Time
}

type simSensor struct{ axis attitude.Axis }

func (s simSensor) Axis() attitude.Axis { return s.axis }
func (s simSensor) Name() string        { return "Simulated " + s.axis.String() }

func NewDevice(cfg DeviceConfig) *Device {
	if cfg.APILevel <= 0 {
		cfg.APILevel = 30
	}
	cfg.NMEA = strings.ToLower(strings.TrimSpace(cfg.NMEA))
	if cfg.NMEA == "" {
		cfg.NMEA = NMEAAuto
	}
	if cfg.Route == nil {
		cfg.Route = Orbit{CenterLatDeg: 45.5, CenterLonDeg: -122.6}
	}
	if cfg.Field == (Field{}) {
		cfg.Field = DefaultField
	}
	if cfg.FixInterval <= 0 {
		cfg.FixInterval = time.Second
	}
	if cfg.SensorTick <= 0 {
		cfg.SensorTick = 5 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Device{
		cfg:             cfg,
		log:             l.With().Str("module", "sim").Logger(),
		providerEnabled: !cfg.NoGPS,
	}
}

// Platform exposes the device through the interfaces the adapter probes.
// Which NMEA registrars the location manager implements depends on
// DeviceConfig.NMEA.
func (d *Device) Platform() source.Platform {
	core := locationCore{d: d}
	var lm source.LocationManager
	switch d.cfg.NMEA {
	case NMEAModern:
		lm = &modernLocation{core}
	case NMEALegacy:
		lm = &legacyLocation{core}
	case NMEANone:
		lm = &core
	case NMEABoth:
		lm = &bothLocation{core}
	default:
		if d.cfg.APILevel >= source.ModernNMEAAPILevel {
			lm = &modernLocation{core}
		} else {
			lm = &legacyLocation{core}
		}
	}
	return source.Platform{Location: lm, Sensors: sensorManager{d: d}}
}

type locationCore struct{ d *Device }

func (c *locationCore) APILevel() int { return c.d.cfg.APILevel }

func (c *locationCore) RequestLocationUpdates(provider string, l source.LocationListener) error {
	d := c.d
	if d.cfg.DenyPermission {
		return source.ErrPermissionDenied
	}
	if d.cfg.NoGPS || provider != source.GPSProvider {
		return source.ErrProviderUnavailable
	}
	d.mu.Lock()
	d.locListeners = append(d.locListeners, l)
	d.mu.Unlock()
	return nil
}

func (c *locationCore) RemoveUpdates(l source.LocationListener) {
	d := c.d
	d.mu.Lock()
	d.locListeners = removeListener(d.locListeners, l)
	d.mu.Unlock()
}

func (c *locationCore) addModern(l source.NmeaMessageListener) error {
	c.d.mu.Lock()
	c.d.modern = append(c.d.modern, l)
	c.d.mu.Unlock()
	return nil
}

func (c *locationCore) removeModern(l source.NmeaMessageListener) {
	c.d.mu.Lock()
	c.d.modern = removeListener(c.d.modern, l)
	c.d.mu.Unlock()
}

func (c *locationCore) addLegacy(l source.LegacyNmeaListener) error {
	c.d.mu.Lock()
	c.d.legacy = append(c.d.legacy, l)
	c.d.mu.Unlock()
	return nil
}

func (c *locationCore) removeLegacy(l source.LegacyNmeaListener) error {
	if c.d.cfg.LegacyRemoveFail {
		return errors.New("removeNmeaListener not found")
	}
	c.d.mu.Lock()
	c.d.legacy = removeListener(c.d.legacy, l)
	c.d.mu.Unlock()
	return nil
}

type modernLocation struct{ locationCore }

func (m *modernLocation) AddNmeaMessageListener(l source.NmeaMessageListener) error {
	return m.addModern(l)
}
func (m *modernLocation) RemoveNmeaMessageListener(l source.NmeaMessageListener) {
	m.removeModern(l)
}

type legacyLocation struct{ locationCore }

func (m *legacyLocation) AddNmeaListener(l source.LegacyNmeaListener) error { return m.addLegacy(l) }
func (m *legacyLocation) RemoveNmeaListener(l source.LegacyNmeaListener) error {
	return m.removeLegacy(l)
}

type bothLocation struct{ locationCore }

func (m *bothLocation) AddNmeaMessageListener(l source.NmeaMessageListener) error {
	return m.addModern(l)
}
func (m *bothLocation) RemoveNmeaMessageListener(l source.NmeaMessageListener) {
	m.removeModern(l)
}
func (m *bothLocation) AddNmeaListener(l source.LegacyNmeaListener) error { return m.addLegacy(l) }
func (m *bothLocation) RemoveNmeaListener(l source.LegacyNmeaListener) error {
	return m.removeLegacy(l)
}

type sensorManager struct{ d *Device }

func (m sensorManager) DefaultSensor(axis attitude.Axis) source.Sensor {
	for _, a := range m.d.cfg.MissingSensors {
		if a == axis {
			return nil
		}
	}
	return simSensor{axis: axis}
}

func (m sensorManager) RegisterListener(l source.SensorListener, s source.Sensor, periodUs int) error {
	if s == nil {
		return errors.New("sim: nil sensor")
	}
	d := m.d
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.sensorRegs {
		if d.sensorRegs[i].l == l && d.sensorRegs[i].axis == s.Axis() {
			d.sensorRegs[i].period = time.Duration(periodUs) * time.Microsecond
			return nil
		}
	}
	d.sensorRegs = append(d.sensorRegs, sensorReg{
		l:      l,
		axis:   s.Axis(),
		period: time.Duration(periodUs) * time.Microsecond,
	})
	return nil
}

func (m sensorManager) UnregisterListener(l source.SensorListener) {
	d := m.d
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.sensorRegs[:0]
	for _, r := range d.sensorRegs {
		if r.l != l {
			kept = append(kept, r)
		}
	}
	d.sensorRegs = kept
}

func removeListener[T comparable](list []T, l T) []T {
	out := list[:0]
	for _, v := range list {
		if v != l {
			out = append(out, v)
		}
	}
	return out
}

// EmitNMEA delivers one sentence to every registered NMEA listener.
func (d *Device) EmitNMEA(sentence string) {
	now := d.cfg.Now()
	d.mu.Lock()
	modern := append([]source.NmeaMessageListener(nil), d.modern...)
	legacy := append([]source.LegacyNmeaListener(nil), d.legacy...)
	d.mu.Unlock()
	for _, l := range modern {
		l.OnNmeaMessage(sentence, now)
	}
	for _, l := range legacy {
		l.OnNmeaReceived(now.UnixMilli(), sentence)
	}
}

// EmitSensor delivers a reading to every listener registered for axis,
// regardless of period.
func (d *Device) EmitSensor(axis attitude.Axis, values ...float64) {
	ev := source.SensorEvent{Sensor: simSensor{axis: axis}, Values: values, Time: d.cfg.Now()}
	for _, l := range d.sensorListeners(axis) {
		l.OnSensorChanged(ev)
	}
}

func (d *Device) sensorListeners(axis attitude.Axis) []source.SensorListener {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []source.SensorListener
	for _, r := range d.sensorRegs {
		if r.axis == axis {
			out = append(out, r.l)
		}
	}
	return out
}

// SetProviderEnabled toggles the gps provider and notifies listeners on a
// change.
func (d *Device) SetProviderEnabled(enabled bool) {
	d.mu.Lock()
	changed := d.providerEnabled != enabled
	d.providerEnabled = enabled
	ls := append([]source.LocationListener(nil), d.locListeners...)
	d.mu.Unlock()
	if !changed {
		return
	}
	for _, l := range ls {
		if enabled {
			l.OnProviderEnabled(source.GPSProvider)
		} else {
			l.OnProviderDisabled(source.GPSProvider)
		}
	}
}

// EmitStatus reports a provider status change. Pass satellites < 0 to
// leave the count out.
func (d *Device) EmitStatus(st source.ProviderStatus, satellites int) {
	d.mu.Lock()
	ls := append([]source.LocationListener(nil), d.locListeners...)
	d.mu.Unlock()
	for _, l := range ls {
		l.OnStatusChanged(source.GPSProvider, st, satellites)
	}
}

// Listeners reports how many subscriptions of each kind are active.
func (d *Device) Listeners() (location, nmea, sensors int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locListeners), len(d.modern) + len(d.legacy), len(d.sensorRegs)
}

// Run drives the device from its route until ctx is done: one NMEA fix per
// FixInterval and sensor readings at each registered period.
func (d *Device) Run(ctx context.Context) {
	start := d.cfg.Now()
	fix := time.NewTicker(d.cfg.FixInterval)
	defer fix.Stop()
	tick := time.NewTicker(d.cfg.SensorTick)
	defer tick.Stop()

	lastFix := false
	lastSats := -1
	d.log.Info().Dur("fix_interval", d.cfg.FixInterval).Msg("simulated device running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-fix.C:
			now := d.cfg.Now()
			st := d.cfg.Route.StateAt(now.Sub(start))
			if st.Fix != lastFix || st.Satellites != lastSats {
				status := source.Available
				if !st.Fix {
					status = source.TemporarilyUnavailable
				}
				d.EmitStatus(status, st.Satellites)
				lastFix, lastSats = st.Fix, st.Satellites
			}
			for _, s := range Sentences(now, st) {
				d.EmitNMEA(s)
			}
		case <-tick.C:
			now := d.cfg.Now()
			d.emitDue(now, d.cfg.Route.StateAt(now.Sub(start)))
		}
	}
}

func (d *Device) emitDue(now time.Time, st State) {
	acc, gyro, mag := Vectors(st, d.cfg.Field)
	values := map[attitude.Axis]attitude.Vec3{attitude.Accel: acc, attitude.Gyro: gyro, attitude.Mag: mag}

	type due struct {
		l    source.SensorListener
		axis attitude.Axis
	}
	var out []due
	d.mu.Lock()
	for i := range d.sensorRegs {
		r := &d.sensorRegs[i]
		if now.Sub(r.lastEmit) < r.period {
			continue
		}
		r.lastEmit = now
		out = append(out, due{l: r.l, axis: r.axis})
	}
	d.mu.Unlock()

	// Accel and gyro before mag, so each fused record sees fresh vectors.
	for _, axis := range attitude.Axes {
		for _, x := range out {
			if x.axis != axis {
				continue
			}
			v := values[axis]
			x.l.OnSensorChanged(source.SensorEvent{
				Sensor: simSensor{axis: axis},
				Values: []float64{v[0], v[1], v[2]},
				Time:   now,
			})
		}
	}
}
