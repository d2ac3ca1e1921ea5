package device

import (
	"context"
	"errors"
	"time"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/source"
)

type imuSensor struct{ axis attitude.Axis }

func (s imuSensor) Axis() attitude.Axis { return s.axis }
func (s imuSensor) Name() string        { return "ICM-20948 " + s.axis.String() }

type sensorManager Device

func (m *sensorManager) DefaultSensor(axis attitude.Axis) source.Sensor {
	imu := m.cfg.IMU
	if imu == nil {
		return nil
	}
	if axis == attitude.Mag && !imu.HasMag() {
		return nil
	}
	if axis < attitude.Accel || axis > attitude.Mag {
		return nil
	}
	return imuSensor{axis: axis}
}

// RegisterListener starts polling s every periodUs. Registering the same
// listener and sensor again replaces the period.
func (m *sensorManager) RegisterListener(l source.SensorListener, s source.Sensor, periodUs int) error {
	d := (*Device)(m)
	if s == nil || d.cfg.IMU == nil {
		return errors.New("device: no such sensor")
	}
	period := time.Duration(periodUs) * time.Microsecond
	if period < d.cfg.MinPeriod {
		period = d.cfg.MinPeriod
	}
	key := pollKey{l: l, axis: s.Axis()}

	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return errors.New("device: closed")
	}
	old := d.polls[key]
	ctx, cancel := context.WithCancel(d.ctx)
	p := &poll{cancel: cancel, done: make(chan struct{})}
	d.polls[key] = p
	d.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}
	go d.runPoll(ctx, p, key, period)
	return nil
}

func (m *sensorManager) UnregisterListener(l source.SensorListener) {
	d := (*Device)(m)
	d.mu.Lock()
	var stopped []*poll
	for k, p := range d.polls {
		if k.l == l {
			stopped = append(stopped, p)
			delete(d.polls, k)
		}
	}
	d.mu.Unlock()
	for _, p := range stopped {
		p.cancel()
		<-p.done
	}
}

func (d *Device) runPoll(ctx context.Context, p *poll, key pollKey, period time.Duration) {
	defer close(p.done)
	t := time.NewTicker(period)
	defer t.Stop()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		v, err := d.read(key.axis)
		if err != nil {
			if !failing {
				d.log.Warn().Err(err).Str("sensor", key.axis.String()).Msg("sensor read failed")
				failing = true
			}
			continue
		}
		failing = false
		if ctx.Err() != nil {
			return
		}
		key.l.OnSensorChanged(source.SensorEvent{
			Sensor: imuSensor{axis: key.axis},
			Values: []float64{v[0], v[1], v[2]},
			Time:   d.cfg.Now(),
		})
	}
}

func (d *Device) read(axis attitude.Axis) ([3]float64, error) {
	switch axis {
	case attitude.Accel:
		acc, _, err := d.cfg.IMU.ReadMotion()
		return acc, err
	case attitude.Gyro:
		_, gyro, err := d.cfg.IMU.ReadMotion()
		return gyro, err
	default:
		return d.cfg.IMU.ReadMag()
	}
}
