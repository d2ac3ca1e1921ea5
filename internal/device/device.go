// Package device exposes Linux hardware as a source.Platform: a serial
// GNSS receiver for location and NMEA, and an I2C IMU for the motion
// sensors.
package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/gps"
	"gpsd-forwarder/internal/source"
)

// IMU is the motion hardware. *icm20948.Device implements it.
type IMU interface {
	ReadMotion() (acc, gyro [3]float64, err error)
	ReadMag() ([3]float64, error)
	HasMag() bool
}

type Config struct {
	APILevel int

	// GPS is nil when the board has no receiver.
	GPS *gps.Config
	// IMU is nil when the board has no motion sensors.
	IMU IMU

	// MinPeriod bounds the poll rate for the fastest sampling setting.
	// Defaults to 5ms.
	MinPeriod time.Duration

	Logger *zerolog.Logger
	Now    func() time.Time
}

// Device is safe for concurrent use. Listener callbacks run on the GPS
// read goroutine and on one poll goroutine per registered sensor.
type Device struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	receiver *gps.Receiver
	locLs    []source.LocationListener
	modern   []source.NmeaMessageListener
	legacy   []source.LegacyNmeaListener
	polls    map[pollKey]*poll
}

type pollKey struct {
	l    source.SensorListener
	axis attitude.Axis
}

type poll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Device {
	if cfg.APILevel <= 0 {
		cfg.APILevel = 30
	}
	if cfg.MinPeriod <= 0 {
		cfg.MinPeriod = 5 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Device{
		cfg:    cfg,
		log:    l.With().Str("module", "device").Logger(),
		ctx:    ctx,
		cancel: cancel,
		polls:  map[pollKey]*poll{},
	}
}

// Platform returns the device's location and sensor services. Sensors is
// nil when there is no IMU.
func (d *Device) Platform() source.Platform {
	p := source.Platform{Location: (*locationManager)(d)}
	if d.cfg.IMU != nil {
		p.Sensors = (*sensorManager)(d)
	}
	return p
}

// Close stops the receiver and every poll goroutine.
func (d *Device) Close() {
	d.cancel()
	d.mu.Lock()
	rcv := d.receiver
	d.receiver = nil
	polls := d.polls
	d.polls = map[pollKey]*poll{}
	d.mu.Unlock()
	if rcv != nil {
		rcv.Close()
	}
	for _, p := range polls {
		p.cancel()
		<-p.done
	}
}

// GPSSnapshot reports receiver state, or false when no receiver is open.
func (d *Device) GPSSnapshot() (gps.Snapshot, bool) {
	d.mu.Lock()
	rcv := d.receiver
	d.mu.Unlock()
	if rcv == nil {
		return gps.Snapshot{}, false
	}
	return rcv.Snapshot(), true
}

type locationManager Device

func (m *locationManager) APILevel() int { return m.cfg.APILevel }

// RequestLocationUpdates opens the receiver on the first subscription.
// A port the process may not open maps to ErrPermissionDenied; anything
// else to ErrProviderUnavailable.
func (m *locationManager) RequestLocationUpdates(provider string, l source.LocationListener) error {
	d := (*Device)(m)
	if provider != source.GPSProvider || d.cfg.GPS == nil {
		return source.ErrProviderUnavailable
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.receiver == nil {
		gcfg := *d.cfg.GPS
		if gcfg.Logger == nil {
			gcfg.Logger = &d.log
		}
		rcv := gps.New(gcfg)
		if err := rcv.Start(d.ctx, (*gpsHandler)(d)); err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return fmt.Errorf("%w: %v", source.ErrPermissionDenied, err)
			}
			return fmt.Errorf("%w: %v", source.ErrProviderUnavailable, err)
		}
		d.receiver = rcv
	}
	d.locLs = append(d.locLs, l)
	return nil
}

// RemoveUpdates closes the receiver once the last subscriber is gone.
func (m *locationManager) RemoveUpdates(l source.LocationListener) {
	d := (*Device)(m)
	d.mu.Lock()
	d.locLs = removeListener(d.locLs, l)
	var rcv *gps.Receiver
	if len(d.locLs) == 0 {
		rcv = d.receiver
		d.receiver = nil
	}
	d.mu.Unlock()
	if rcv != nil {
		rcv.Close()
	}
}

func (m *locationManager) AddNmeaMessageListener(l source.NmeaMessageListener) error {
	m.mu.Lock()
	m.modern = append(m.modern, l)
	m.mu.Unlock()
	return nil
}

func (m *locationManager) RemoveNmeaMessageListener(l source.NmeaMessageListener) {
	m.mu.Lock()
	m.modern = removeListener(m.modern, l)
	m.mu.Unlock()
}

func (m *locationManager) AddNmeaListener(l source.LegacyNmeaListener) error {
	m.mu.Lock()
	m.legacy = append(m.legacy, l)
	m.mu.Unlock()
	return nil
}

func (m *locationManager) RemoveNmeaListener(l source.LegacyNmeaListener) error {
	m.mu.Lock()
	m.legacy = removeListener(m.legacy, l)
	m.mu.Unlock()
	return nil
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

// gpsHandler turns receiver events into location callbacks.
type gpsHandler Device

func (h *gpsHandler) Sentence(line string, at time.Time) {
	h.mu.Lock()
	modern := append([]source.NmeaMessageListener(nil), h.modern...)
	legacy := append([]source.LegacyNmeaListener(nil), h.legacy...)
	h.mu.Unlock()
	for _, l := range modern {
		l.OnNmeaMessage(line, at)
	}
	for _, l := range legacy {
		l.OnNmeaReceived(at.UnixMilli(), line)
	}
}

func (h *gpsHandler) StatusChanged(st gps.Status, satellites int) {
	h.mu.Lock()
	ls := append([]source.LocationListener(nil), h.locLs...)
	h.mu.Unlock()
	ps := source.TemporarilyUnavailable
	switch st {
	case gps.HasFix:
		ps = source.Available
	case gps.Lost:
		ps = source.OutOfService
	}
	for _, l := range ls {
		l.OnStatusChanged(source.GPSProvider, ps, satellites)
		if st == gps.Lost {
			l.OnProviderDisabled(source.GPSProvider)
		}
	}
}

func (h *gpsHandler) Fix(f gps.Fix) {
	h.mu.Lock()
	ls := append([]source.LocationListener(nil), h.locLs...)
	h.mu.Unlock()
	loc := source.Location{
		Provider:  source.GPSProvider,
		Latitude:  f.LatDeg,
		Longitude: f.LonDeg,
		Altitude:  f.AltM,
		Time:      f.Time,
	}
	for _, l := range ls {
		l.OnLocationChanged(loc)
	}
}
