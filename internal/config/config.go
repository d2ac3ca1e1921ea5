package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/source"
)

// DefaultServerPort is gpsd's registered port.
const DefaultServerPort = 2947

type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Attitude  AttitudeConfig `yaml:"attitude"`
	Platform  PlatformConfig `yaml:"platform"`
	Record    RecordConfig   `yaml:"record"`
	Queue     QueueConfig    `yaml:"queue"`
	Web       WebConfig      `yaml:"web"`
	Log       LogConfig      `yaml:"log"`
	Autostart bool           `yaml:"autostart"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type AttitudeConfig struct {
	// Sampling is a preset (fastest, game, ui, normal, disabled) or a period
	// in microseconds.
	Sampling string `yaml:"sampling"`

	// Rate is Sampling parsed by DefaultAndValidate.
	Rate source.Sampling `yaml:"-"`
}

type PlatformConfig struct {
	// Kind is "sim" or "device".
	Kind   string       `yaml:"kind"`
	Sim    SimConfig    `yaml:"sim"`
	Device DeviceConfig `yaml:"device"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

type SimConfig struct {
	APILevel       int      `yaml:"api_level"`
	NMEA           string   `yaml:"nmea"`
	NoGPS          bool     `yaml:"no_gps"`
	DenyPermission bool     `yaml:"deny_permission"`
	MissingSensors []string `yaml:"missing_sensors"`

	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	AltFeet      int           `yaml:"alt_feet"`
	RadiusNm     float64       `yaml:"radius_nm"`
	Period       time.Duration `yaml:"period"`
	Satellites   int           `yaml:"satellites"`

	// Scenario replaces the orbit with a scripted route.
	Scenario    string        `yaml:"scenario"`
	FixInterval time.Duration `yaml:"fix_interval"`
}

type DeviceConfig struct {
	APILevel int       `yaml:"api_level"`
	GPS      GPSConfig `yaml:"gps"`
	IMU      IMUConfig `yaml:"imu"`
}

type GPSConfig struct {
	Enable bool   `yaml:"enable"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type IMUConfig struct {
	Enable bool   `yaml:"enable"`
	I2CBus int    `yaml:"i2c_bus"`
	Addr   uint16 `yaml:"addr"`
}

// MQTTConfig feeds the motion sensors from a broker instead of the
// platform's own sensors.
type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Topics are keyed by sensor: accelerometer, gyroscope, magnetometer.
	Topics map[string]string `yaml:"topics"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type QueueConfig struct {
	MaxPending int `yaml:"max_pending"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Buffer  int    `yaml:"buffer"`
	Console bool   `yaml:"console"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes YAML, rejecting unknown keys, then applies defaults and
// validates.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", unknownFieldDetail(err))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// unknownFieldDetail strips yaml's "line N:" prefixes.
func unknownFieldDetail(err error) string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "not found in type") {
			continue
		}
		if i := strings.Index(line, ": "); i >= 0 && strings.HasPrefix(line, "line ") {
			line = line[i+2:]
		}
		out = append(out, line)
	}
	return strings.Join(out, "; ")
}

// DefaultAndValidate fills in defaults and checks cfg. It is also used for
// configs built in code.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Server.Address = strings.TrimSpace(cfg.Server.Address)
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535")
	}
	if cfg.Autostart && cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required when autostart is true")
	}

	rate, err := source.ParseSampling(cfg.Attitude.Sampling)
	if err != nil {
		return fmt.Errorf("attitude.sampling: %w", err)
	}
	cfg.Attitude.Rate = rate

	p := &cfg.Platform
	p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
	if p.Kind == "" {
		p.Kind = "sim"
	}
	switch p.Kind {
	case "sim":
		if err := defaultSim(&p.Sim); err != nil {
			return err
		}
	case "device":
		if err := defaultDevice(&p.Device); err != nil {
			return err
		}
	default:
		return fmt.Errorf("platform.kind must be 'sim' or 'device'")
	}
	if err := defaultMQTT(&p.MQTT); err != nil {
		return err
	}

	if cfg.Record.Enable && strings.TrimSpace(cfg.Record.Path) == "" {
		return fmt.Errorf("record.path is required when record.enable is true")
	}

	if cfg.Queue.MaxPending < 0 {
		return fmt.Errorf("queue.max_pending must be >= 0")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level %q is not a valid level", cfg.Log.Level)
	}
	if cfg.Log.Buffer <= 0 {
		cfg.Log.Buffer = 500
	}
	return nil
}

func defaultSim(s *SimConfig) error {
	if s.APILevel < 0 {
		return fmt.Errorf("platform.sim.api_level must be >= 0")
	}
	if s.APILevel == 0 {
		s.APILevel = 30
	}
	s.NMEA = strings.ToLower(strings.TrimSpace(s.NMEA))
	switch s.NMEA {
	case "":
		s.NMEA = "auto"
	case "auto", "modern", "legacy", "both", "none":
	default:
		return fmt.Errorf("platform.sim.nmea must be one of auto, modern, legacy, both, none")
	}
	for _, name := range s.MissingSensors {
		if _, ok := ParseAxis(name); !ok {
			return fmt.Errorf("platform.sim.missing_sensors: unknown sensor %q", name)
		}
	}
	if s.Period <= 0 {
		s.Period = 120 * time.Second
	}
	if s.RadiusNm <= 0 {
		s.RadiusNm = 0.5
	}
	if s.AltFeet == 0 {
		s.AltFeet = 3000
	}
	if s.Satellites <= 0 {
		s.Satellites = 9
	}
	if s.FixInterval <= 0 {
		s.FixInterval = time.Second
	}
	return nil
}

func defaultDevice(d *DeviceConfig) error {
	if d.APILevel <= 0 {
		d.APILevel = 30
	}
	if d.GPS.Enable {
		if strings.TrimSpace(d.GPS.Device) == "" {
			return fmt.Errorf("platform.device.gps.device is required when platform.device.gps.enable is true")
		}
		if d.GPS.Baud == 0 {
			d.GPS.Baud = 9600
		}
		if d.GPS.Baud < 0 {
			return fmt.Errorf("platform.device.gps.baud must be > 0")
		}
	}
	if d.IMU.Enable {
		if d.IMU.I2CBus <= 0 {
			d.IMU.I2CBus = 1
		}
		if d.IMU.Addr == 0 {
			d.IMU.Addr = 0x68
		}
	}
	return nil
}

func defaultMQTT(m *MQTTConfig) error {
	if !m.Enable {
		return nil
	}
	if strings.TrimSpace(m.Broker) == "" {
		return fmt.Errorf("platform.mqtt.broker is required when platform.mqtt.enable is true")
	}
	if m.ClientID == "" {
		m.ClientID = "gpsd-forwarder"
	}
	topics := make(map[string]string, len(attitude.Axes))
	for name, topic := range m.Topics {
		axis, ok := ParseAxis(name)
		if !ok {
			return fmt.Errorf("platform.mqtt.topics: unknown sensor %q", name)
		}
		topics[axis.String()] = strings.TrimSpace(topic)
	}
	for _, axis := range attitude.Axes {
		if topics[axis.String()] == "" {
			topics[axis.String()] = "imu/" + axis.String()
		}
	}
	m.Topics = topics
	return nil
}

// ParseAxis maps a sensor name (accelerometer, gyroscope, magnetometer, or
// the short forms accel, gyro, mag) to its axis.
func ParseAxis(name string) (attitude.Axis, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "accelerometer", "accel", "acc":
		return attitude.Accel, true
	case "gyroscope", "gyro":
		return attitude.Gyro, true
	case "magnetometer", "mag":
		return attitude.Mag, true
	}
	return 0, false
}

// MissingAxes converts the configured missing sensor names.
func (s SimConfig) MissingAxes() []attitude.Axis {
	var out []attitude.Axis
	for _, name := range s.MissingSensors {
		if a, ok := ParseAxis(name); ok {
			out = append(out, a)
		}
	}
	return out
}
