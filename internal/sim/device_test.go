package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/gpsd"
	"gpsd-forwarder/internal/source"
	"gpsd-forwarder/internal/status"
)

type collector struct {
	mu      sync.Mutex
	nmea    []gpsd.NMEA
	records []attitude.Record
}

func (c *collector) HandleNMEA(n gpsd.NMEA) {
	c.mu.Lock()
	c.nmea = append(c.nmea, n)
	c.mu.Unlock()
}

func (c *collector) HandleAttitude(rec attitude.Record) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nmea), len(c.records)
}

func startAdapter(t *testing.T, d *Device, s source.Sampling) (*source.Adapter, *collector, source.Capabilities) {
	t.Helper()
	c := &collector{}
	a := source.New(source.Config{Handler: c, Sink: status.Discard})
	caps, err := a.Start(d.Platform(), s)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)
	return a, c, caps
}

func TestDevice_NMEAStrategyFollowsConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  DeviceConfig
		want source.NMEAStrategy
	}{
		{"auto modern", DeviceConfig{APILevel: 30}, source.NMEAModern},
		{"auto legacy", DeviceConfig{APILevel: 21}, source.NMEALegacy},
		{"both prefers modern", DeviceConfig{APILevel: 30, NMEA: NMEABoth}, source.NMEAModern},
		{"both on old level", DeviceConfig{APILevel: 19, NMEA: NMEABoth}, source.NMEALegacy},
		{"none", DeviceConfig{NMEA: NMEANone}, source.NMEANone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDevice(tc.cfg)
			_, _, caps := startAdapter(t, d, source.Disabled)
			if caps.NMEA != tc.want {
				t.Fatalf("strategy=%v want %v", caps.NMEA, tc.want)
			}
		})
	}
}

func TestDevice_ManualEmitReachesAdapter(t *testing.T) {
	d := NewDevice(DeviceConfig{})
	a, c, caps := startAdapter(t, d, source.Period(source.PeriodGame))
	if len(caps.Sensors) != 3 {
		t.Fatalf("sensors=%v", caps.Sensors)
	}

	d.EmitNMEA("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")
	d.EmitSensor(attitude.Accel, 0, 0, 9.8)
	d.EmitSensor(attitude.Mag, 0, 1, 0)

	n, r := c.counts()
	if n != 1 || r != 1 {
		t.Fatalf("nmea=%d records=%d", n, r)
	}
	if got := c.records[0].Heading; got < 89.999 || got > 90.001 {
		t.Fatalf("heading=%v", got)
	}

	a.Stop()
	loc, nmea, sensors := d.Listeners()
	if loc != 0 || nmea != 0 || sensors != 0 {
		t.Fatalf("listeners left after Stop: %d %d %d", loc, nmea, sensors)
	}
	d.EmitSensor(attitude.Mag, 1, 0, 0)
	if _, r := c.counts(); r != 1 {
		t.Fatalf("record after Stop")
	}
}

func TestDevice_StartErrors(t *testing.T) {
	a := source.New(source.Config{})
	_, err := a.Start(NewDevice(DeviceConfig{DenyPermission: true}).Platform(), source.Disabled)
	var perm *source.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("want PermissionError, got %v", err)
	}

	a = source.New(source.Config{})
	_, err = a.Start(NewDevice(DeviceConfig{NoGPS: true}).Platform(), source.Disabled)
	var np *source.NoProviderError
	if !errors.As(err, &np) {
		t.Fatalf("want NoProviderError, got %v", err)
	}
}

func TestDevice_MissingSensorIsSkipped(t *testing.T) {
	d := NewDevice(DeviceConfig{MissingSensors: []attitude.Axis{attitude.Gyro}})
	_, _, caps := startAdapter(t, d, source.Period(source.PeriodNormal))
	if len(caps.Sensors) != 2 {
		t.Fatalf("sensors=%v", caps.Sensors)
	}
	for _, s := range caps.Sensors {
		if s == attitude.Gyro {
			t.Fatalf("gyro should be missing")
		}
	}
}

func TestDevice_ProviderToggleNotifiesOnChange(t *testing.T) {
	d := NewDevice(DeviceConfig{})
	var lines []string
	var mu sync.Mutex
	sink := status.Func(func(s string) {
		mu.Lock()
		lines = append(lines, s)
		mu.Unlock()
	})
	a := source.New(source.Config{Handler: &collector{}, Sink: sink})
	if _, err := a.Start(d.Platform(), source.Disabled); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	d.SetProviderEnabled(true) // already enabled
	d.SetProviderEnabled(false)
	d.SetProviderEnabled(false)
	d.SetProviderEnabled(true)

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 {
		t.Fatalf("lines=%q", lines)
	}
}

func TestDevice_RunDrivesRoute(t *testing.T) {
	d := NewDevice(DeviceConfig{
		FixInterval: 20 * time.Millisecond,
		SensorTick:  2 * time.Millisecond,
	})
	_, c, _ := startAdapter(t, d, source.Period(source.PeriodGame))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, r := c.counts()
		if n >= 4 && r >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	n, r := c.counts()
	if n < 4 || r < 4 {
		t.Fatalf("nmea=%d records=%d", n, r)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.records {
		if rec.Orientation == nil {
			t.Fatalf("simulated vectors should always give an orientation: %+v", rec)
		}
	}
}
