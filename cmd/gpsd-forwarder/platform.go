package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/config"
	"gpsd-forwarder/internal/device"
	"gpsd-forwarder/internal/gps"
	"gpsd-forwarder/internal/i2c"
	"gpsd-forwarder/internal/mqttimu"
	"gpsd-forwarder/internal/sensors/icm20948"
	"gpsd-forwarder/internal/sim"
	"gpsd-forwarder/internal/source"
)

// platform is the configured set of services plus whatever must be closed
// on shutdown.
type platform struct {
	source.Platform
	Kind string

	gpsSnapshot func() (gps.Snapshot, bool)
	closers     []func()
}

func (p *platform) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

func (p *platform) GPSSnapshot() (gps.Snapshot, bool) {
	if p.gpsSnapshot == nil {
		return gps.Snapshot{}, false
	}
	return p.gpsSnapshot()
}

func buildPlatform(ctx context.Context, cfg config.Config, lg zerolog.Logger) (*platform, error) {
	p := &platform{Kind: cfg.Platform.Kind}

	var err error
	switch cfg.Platform.Kind {
	case "sim":
		err = p.addSim(ctx, cfg.Platform.Sim, lg)
	case "device":
		err = p.addDevice(cfg.Platform.Device, lg)
	default:
		err = fmt.Errorf("unknown platform kind %q", cfg.Platform.Kind)
	}
	if err != nil {
		p.Close()
		return nil, err
	}

	if cfg.Platform.MQTT.Enable {
		if err := p.addMQTT(cfg.Platform.MQTT, lg); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *platform) addSim(ctx context.Context, sc config.SimConfig, lg zerolog.Logger) error {
	var route sim.Route = sim.Orbit{
		CenterLatDeg: sc.CenterLatDeg,
		CenterLonDeg: sc.CenterLonDeg,
		AltFeet:      sc.AltFeet,
		RadiusNm:     sc.RadiusNm,
		Period:       sc.Period,
		Satellites:   sc.Satellites,
	}
	if sc.Scenario != "" {
		script, err := sim.LoadScript(sc.Scenario)
		if err != nil {
			return fmt.Errorf("load scenario: %w", err)
		}
		scenario, err := sim.NewScenario(script)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Scenario, err)
		}
		route = scenario
	}

	dev := sim.NewDevice(sim.DeviceConfig{
		APILevel:       sc.APILevel,
		NMEA:           sc.NMEA,
		NoGPS:          sc.NoGPS,
		DenyPermission: sc.DenyPermission,
		MissingSensors: sc.MissingAxes(),
		Route:          route,
		FixInterval:    sc.FixInterval,
		Logger:         &lg,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		dev.Run(runCtx)
	}()
	p.closers = append(p.closers, func() {
		cancel()
		<-done
	})
	p.Platform = dev.Platform()
	return nil
}

func (p *platform) addDevice(dc config.DeviceConfig, lg zerolog.Logger) error {
	dcfg := device.Config{APILevel: dc.APILevel, Logger: &lg}
	if dc.GPS.Enable {
		dcfg.GPS = &gps.Config{Device: dc.GPS.Device, Baud: dc.GPS.Baud, Logger: &lg}
	}

	if dc.IMU.Enable {
		bus, err := i2c.OpenNumber(dc.IMU.I2CBus)
		if err != nil {
			// Location still works without motion sensors.
			lg.Warn().Err(err).Int("bus", dc.IMU.I2CBus).Msg("imu bus unavailable")
		} else {
			imu, err := icm20948.New(bus, dc.IMU.Addr)
			if err != nil {
				lg.Warn().Err(err).Uint16("addr", dc.IMU.Addr).Msg("imu init failed")
				_ = bus.Close()
			} else {
				dcfg.IMU = imu
				p.closers = append(p.closers, func() { _ = bus.Close() })
			}
		}
	}

	dev := device.New(dcfg)
	p.closers = append(p.closers, dev.Close)
	p.Platform = dev.Platform()
	p.gpsSnapshot = dev.GPSSnapshot
	return nil
}

// addMQTT replaces the platform's motion sensors with broker-fed ones.
func (p *platform) addMQTT(mc config.MQTTConfig, lg zerolog.Logger) error {
	client, err := mqttimu.Connect(mqttimu.ClientOptions{
		Broker:   mc.Broker,
		ClientID: mc.ClientID,
		Username: mc.Username,
		Password: mc.Password,
	})
	if err != nil {
		return err
	}
	p.closers = append(p.closers, func() { client.Disconnect(250) })

	topics := make(map[attitude.Axis]string, len(mc.Topics))
	for name, topic := range mc.Topics {
		if axis, ok := config.ParseAxis(name); ok {
			topics[axis] = topic
		}
	}
	mgr := mqttimu.New(mqttimu.Config{Client: client, Topics: topics, Logger: &lg})
	if err := mgr.Start(); err != nil {
		return err
	}
	p.closers = append(p.closers, func() { _ = mgr.Close() })
	p.Sensors = mgr
	return nil
}
