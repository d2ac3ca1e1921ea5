package source

import (
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/gpsd"
	"gpsd-forwarder/internal/status"
)

type fakeSensor struct{ axis attitude.Axis }

func (s fakeSensor) Axis() attitude.Axis { return s.axis }
func (s fakeSensor) Name() string        { return "fake " + s.axis.String() }

type fakeLocation struct {
	level      int
	requestErr error
	listener   LocationListener
	removed    bool
}

func (f *fakeLocation) APILevel() int { return f.level }
func (f *fakeLocation) RequestLocationUpdates(provider string, l LocationListener) error {
	if f.requestErr != nil {
		return f.requestErr
	}
	f.listener = l
	return nil
}
func (f *fakeLocation) RemoveUpdates(l LocationListener) { f.removed = true }

type fakeModern struct {
	fakeLocation
	nmea NmeaMessageListener
}

func (f *fakeModern) AddNmeaMessageListener(l NmeaMessageListener) error {
	f.nmea = l
	return nil
}
func (f *fakeModern) RemoveNmeaMessageListener(l NmeaMessageListener) { f.nmea = nil }

type fakeLegacy struct {
	fakeLocation
	nmea      LegacyNmeaListener
	removeErr error
}

func (f *fakeLegacy) AddNmeaListener(l LegacyNmeaListener) error {
	f.nmea = l
	return nil
}
func (f *fakeLegacy) RemoveNmeaListener(l LegacyNmeaListener) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.nmea = nil
	return nil
}

type fakeSensors struct {
	present      map[attitude.Axis]bool
	listener     SensorListener
	periods      map[attitude.Axis]int
	unregistered int
}

func newFakeSensors(axes ...attitude.Axis) *fakeSensors {
	f := &fakeSensors{present: map[attitude.Axis]bool{}, periods: map[attitude.Axis]int{}}
	for _, a := range axes {
		f.present[a] = true
	}
	return f
}

func (f *fakeSensors) DefaultSensor(axis attitude.Axis) Sensor {
	if !f.present[axis] {
		return nil
	}
	return fakeSensor{axis: axis}
}

func (f *fakeSensors) RegisterListener(l SensorListener, s Sensor, periodUs int) error {
	f.listener = l
	f.periods[s.Axis()] = periodUs
	return nil
}

func (f *fakeSensors) UnregisterListener(l SensorListener) {
	f.unregistered++
	f.periods = map[attitude.Axis]int{}
}

func (f *fakeSensors) emit(axis attitude.Axis, v ...float64) {
	f.listener.OnSensorChanged(SensorEvent{Sensor: fakeSensor{axis: axis}, Values: v, Time: time.Now()})
}

type recorder struct {
	mu   sync.Mutex
	nmea []gpsd.NMEA
	recs []attitude.Record
}

func (r *recorder) HandleNMEA(n gpsd.NMEA) {
	r.mu.Lock()
	r.nmea = append(r.nmea, n)
	r.mu.Unlock()
}

func (r *recorder) HandleAttitude(rec attitude.Record) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

type logLines struct {
	mu    sync.Mutex
	lines []string
}

func (l *logLines) Log(msg string) {
	l.mu.Lock()
	l.lines = append(l.lines, msg)
	l.mu.Unlock()
}

func (l *logLines) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.lines {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (l *logLines) count(sub string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.lines {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

func TestAdapter_OneRecordPerMagnetometerSample(t *testing.T) {
	loc := &fakeModern{fakeLocation: fakeLocation{level: 30}}
	sensors := newFakeSensors(attitude.Accel, attitude.Gyro, attitude.Mag)
	rec := &recorder{}
	a := New(Config{Handler: rec, Now: func() time.Time { return time.Unix(100, 0) }})

	caps, err := a.Start(Platform{Location: loc, Sensors: sensors}, Period(PeriodGame))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if caps.NMEA != NMEAModern || len(caps.Sensors) != 3 {
		t.Fatalf("caps=%+v", caps)
	}
	if sensors.periods[attitude.Mag] != PeriodGame {
		t.Fatalf("periods=%v", sensors.periods)
	}

	sensors.emit(attitude.Accel, 0, 0, 9.8)
	sensors.emit(attitude.Gyro, 0.1, 0, 0)
	sensors.emit(attitude.Mag, 0, 1, 0)
	sensors.emit(attitude.Accel, 0, 0, 9.7)
	sensors.emit(attitude.Mag, 1, 0, 0)
	sensors.emit(attitude.Mag, 0, -1, 0, 3)

	if len(rec.recs) != 3 {
		t.Fatalf("records=%d want 3", len(rec.recs))
	}
	if math.Abs(rec.recs[0].Heading-90) > 1e-9 {
		t.Fatalf("heading=%v want 90", rec.recs[0].Heading)
	}
	if rec.recs[1].Acc != (attitude.Vec3{0, 0, 9.7}) {
		t.Fatalf("acc=%v want latest accel", rec.recs[1].Acc)
	}
	if rec.recs[0].Gyro != (attitude.Vec3{0.1, 0, 0}) {
		t.Fatalf("gyro=%v", rec.recs[0].Gyro)
	}
	if !rec.recs[2].Time.Equal(time.Unix(100, 0)) {
		t.Fatalf("time=%v", rec.recs[2].Time)
	}
	if got := a.Stats().Records; got != 3 {
		t.Fatalf("stats.records=%d want 3", got)
	}
}

func TestAdapter_ModernNMEAPassThrough(t *testing.T) {
	loc := &fakeModern{fakeLocation: fakeLocation{level: ModernNMEAAPILevel}}
	rec := &recorder{}
	a := New(Config{Handler: rec})
	if _, err := a.Start(Platform{Location: loc}, Disabled); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ts := time.Unix(42, 0)
	loc.nmea.OnNmeaMessage("$GPGGA,1*00", ts)
	if len(rec.nmea) != 1 || rec.nmea[0].Sentence != "$GPGGA,1*00" || !rec.nmea[0].Received.Equal(ts) {
		t.Fatalf("nmea=%+v", rec.nmea)
	}
	a.Stop()
	if loc.nmea != nil || !loc.removed {
		t.Fatalf("expected listeners removed")
	}
}

func TestAdapter_LegacyNMEA(t *testing.T) {
	loc := &fakeLegacy{fakeLocation: fakeLocation{level: 23}}
	rec := &recorder{}
	lines := &logLines{}
	a := New(Config{Handler: rec, Sink: lines})
	caps, err := a.Start(Platform{Location: loc}, Disabled)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if caps.NMEA != NMEALegacy {
		t.Fatalf("nmea=%v want legacy", caps.NMEA)
	}
	loc.nmea.OnNmeaReceived(1700000000123, "$GPRMC,1*00")
	if len(rec.nmea) != 1 || rec.nmea[0].Sentence != "$GPRMC,1*00" {
		t.Fatalf("nmea=%+v", rec.nmea)
	}
	if rec.nmea[0].Received.UnixMilli() != 1700000000123 {
		t.Fatalf("received=%v", rec.nmea[0].Received)
	}

	loc.removeErr = errors.New("no such method")
	a.Stop()
	a.Stop()
	if got := lines.count("Failed to call removeNmeaListener"); got != 1 {
		t.Fatalf("removal failure logged %d times, lines=%v", got, lines.lines)
	}
}

func TestAdapter_ModernRegistrarBelowLevelFallsBack(t *testing.T) {
	// Only the modern API is present but the platform level is too old.
	loc := &fakeModern{fakeLocation: fakeLocation{level: 23}}
	lines := &logLines{}
	a := New(Config{Handler: &recorder{}, Sink: lines})
	caps, err := a.Start(Platform{Location: loc}, Disabled)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if caps.NMEA != NMEANone {
		t.Fatalf("nmea=%v want none", caps.NMEA)
	}
	if !lines.contains("NMEA unavailable") {
		t.Fatalf("expected degraded warning, lines=%v", lines.lines)
	}
}

func TestAdapter_NoNMEAStillStreamsAttitude(t *testing.T) {
	loc := &fakeLocation{level: 30}
	sensors := newFakeSensors(attitude.Mag)
	rec := &recorder{}
	a := New(Config{Handler: rec})
	if _, err := a.Start(Platform{Location: loc, Sensors: sensors}, Period(PeriodUI)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sensors.emit(attitude.Mag, 0, 1, 0)
	if len(rec.recs) != 1 {
		t.Fatalf("records=%d want 1", len(rec.recs))
	}
	if rec.recs[0].Orientation != nil {
		t.Fatalf("no accel sample, orientation must be omitted")
	}
}

func TestAdapter_StartErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		check  func(error) bool
		status string
	}{
		{
			name:   "permission",
			err:    ErrPermissionDenied,
			check:  func(err error) bool { var e *PermissionError; return errors.As(err, &e) },
			status: "No permission to access GPS",
		},
		{
			name:   "no provider",
			err:    ErrProviderUnavailable,
			check:  func(err error) bool { var e *NoProviderError; return errors.As(err, &e) },
			status: "No GPS available",
		},
		{
			name:   "other rejection",
			err:    errors.New("illegal argument"),
			check:  func(err error) bool { var e *NoProviderError; return errors.As(err, &e) },
			status: "No GPS available",
		},
	}
	for _, tc := range cases {
		loc := &fakeModern{fakeLocation: fakeLocation{level: 30, requestErr: tc.err}}
		a := New(Config{Handler: &recorder{}})
		_, err := a.Start(Platform{Location: loc}, Disabled)
		if err == nil || !tc.check(err) {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
		if !errors.Is(err, tc.err) {
			t.Fatalf("%s: cause lost: %v", tc.name, err)
		}
		if got := StatusText(err); got != tc.status {
			t.Fatalf("%s: status=%q want %q", tc.name, got, tc.status)
		}
		if loc.nmea != nil {
			t.Fatalf("%s: NMEA must not be subscribed after a failed start", tc.name)
		}
		if _, err := a.Start(Platform{Location: loc}, Disabled); !errors.Is(err, ErrAlreadyStarted) {
			t.Fatalf("%s: restart err=%v", tc.name, err)
		}
	}
}

func TestAdapter_CallbacksAfterStopAreIgnored(t *testing.T) {
	loc := &fakeModern{fakeLocation: fakeLocation{level: 30}}
	sensors := newFakeSensors(attitude.Accel, attitude.Mag)
	rec := &recorder{}
	lines := &logLines{}
	a := New(Config{Handler: rec, Sink: lines})
	if _, err := a.Start(Platform{Location: loc, Sensors: sensors}, Period(0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nmeaL := loc.nmea
	locL := loc.listener
	sensorL := sensors.listener
	a.Stop()

	nmeaL.OnNmeaMessage("$GPGGA,late*00", time.Now())
	locL.OnProviderEnabled("gps")
	sensorL.OnSensorChanged(SensorEvent{Sensor: fakeSensor{axis: attitude.Mag}, Values: []float64{1, 0, 0}})

	if len(rec.nmea) != 0 || len(rec.recs) != 0 {
		t.Fatalf("late callbacks reached handler: nmea=%d recs=%d", len(rec.nmea), len(rec.recs))
	}
	if lines.contains("enabled") {
		t.Fatalf("late status callback logged: %v", lines.lines)
	}
	if err := a.SetSampling(Period(PeriodNormal)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("SetSampling after Stop err=%v", err)
	}
}

func TestAdapter_StatusTexts(t *testing.T) {
	loc := &fakeModern{fakeLocation: fakeLocation{level: 30}}
	lines := &logLines{}
	a := New(Config{Handler: &recorder{}, Sink: lines})
	if _, err := a.Start(Platform{Location: loc}, Disabled); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loc.listener.OnStatusChanged("gps", TemporarilyUnavailable, 7)
	loc.listener.OnStatusChanged("gps", Available, -1)
	loc.listener.OnStatusChanged("gps", ProviderStatus(9), -1)
	loc.listener.OnProviderEnabled("gps")
	loc.listener.OnProviderDisabled("gps")
	loc.listener.OnLocationChanged(Location{Provider: "gps"})

	want := []string{
		"gps status: Temporarily unavailable with 7 satellites",
		"gps status: Available",
		"gps status: Unknown",
		"Location provider enabled: gps",
		"Location provider disabled: gps",
	}
	if strings.Join(lines.lines, "|") != strings.Join(want, "|") {
		t.Fatalf("lines=%q want %q", lines.lines, want)
	}
}

func TestAdapter_MalformedEventReportedOncePerAxis(t *testing.T) {
	loc := &fakeLocation{level: 30}
	sensors := newFakeSensors(attitude.Accel, attitude.Mag)
	rec := &recorder{}
	lines := &logLines{}
	a := New(Config{Handler: rec, Sink: lines})
	if _, err := a.Start(Platform{Location: loc, Sensors: sensors}, Period(0)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sensors.emit(attitude.Mag, 1, 2)
	sensors.emit(attitude.Mag, 1)
	sensors.emit(attitude.Accel)

	if len(rec.recs) != 0 {
		t.Fatalf("malformed mag produced %d records", len(rec.recs))
	}
	if got := lines.count("malformed magnetometer"); got != 1 {
		t.Fatalf("mag warnings=%d want 1", got)
	}
	if got := lines.count("malformed accelerometer"); got != 1 {
		t.Fatalf("accel warnings=%d want 1", got)
	}
	if got := a.Stats().Malformed; got != 3 {
		t.Fatalf("malformed=%d want 3", got)
	}
}

func TestAdapter_SetSampling(t *testing.T) {
	loc := &fakeLocation{level: 30}
	sensors := newFakeSensors(attitude.Accel, attitude.Gyro)
	a := New(Config{Handler: &recorder{}})
	caps, err := a.Start(Platform{Location: loc, Sensors: sensors}, Disabled)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(caps.Sensors) != 2 {
		t.Fatalf("sensors=%v want accel+gyro", caps.Sensors)
	}
	if len(sensors.periods) != 0 {
		t.Fatalf("disabled sampling registered %v", sensors.periods)
	}

	if err := a.SetSampling(Period(PeriodUI)); err != nil {
		t.Fatalf("SetSampling: %v", err)
	}
	if sensors.periods[attitude.Accel] != PeriodUI || sensors.periods[attitude.Gyro] != PeriodUI {
		t.Fatalf("periods=%v", sensors.periods)
	}
	if _, ok := sensors.periods[attitude.Mag]; ok {
		t.Fatalf("missing sensor must not be registered")
	}

	if err := a.SetSampling(Disabled); err != nil {
		t.Fatalf("SetSampling: %v", err)
	}
	if len(sensors.periods) != 0 {
		t.Fatalf("periods=%v want none", sensors.periods)
	}
	if a.Sampling() != Disabled {
		t.Fatalf("sampling=%v", a.Sampling())
	}
}

func TestAdapter_NegativePeriodSubscribesNothing(t *testing.T) {
	loc := &fakeLocation{level: 30}
	sensors := newFakeSensors(attitude.Accel, attitude.Gyro, attitude.Mag)
	a := New(Config{Handler: &recorder{}})
	if _, err := a.Start(Platform{Location: loc, Sensors: sensors}, Sampling{PeriodUs: -1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()
	if len(sensors.periods) != 0 {
		t.Fatalf("negative period registered %v", sensors.periods)
	}

	if err := a.SetSampling(Period(PeriodGame)); err != nil {
		t.Fatalf("SetSampling: %v", err)
	}
	if len(sensors.periods) != 3 {
		t.Fatalf("periods=%v want all three", sensors.periods)
	}
	if err := a.SetSampling(Sampling{PeriodUs: -20000}); err != nil {
		t.Fatalf("SetSampling: %v", err)
	}
	if len(sensors.periods) != 0 {
		t.Fatalf("periods=%v want none", sensors.periods)
	}
}

func TestAdapter_StopBeforeStart(t *testing.T) {
	a := New(Config{Sink: status.Discard})
	a.Stop()
	if err := a.SetSampling(Disabled); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err=%v", err)
	}
}
