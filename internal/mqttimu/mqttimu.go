// Package mqttimu is a motion-sensor manager fed by MQTT: one topic per
// sensor, each message a JSON vector {"x":..,"y":..,"z":..}.
package mqttimu

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/source"
)

// Subscriber is the part of mqtt.Client the manager uses.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type Config struct {
	Client Subscriber
	// Topics maps each available sensor to its topic. Sensors without a
	// topic are reported missing.
	Topics map[attitude.Axis]string
	QoS    byte
	// SubscribeTimeout bounds each Subscribe. Defaults to 5s.
	SubscribeTimeout time.Duration

	Logger *zerolog.Logger
	Now    func() time.Time
}

// Vector is the message payload. Units are the platform's: m/s², rad/s, µT.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Manager struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	subscribed bool
	regs       map[regKey]*registration
	bad        map[attitude.Axis]bool
}

type regKey struct {
	l    source.SensorListener
	axis attitude.Axis
}

type registration struct {
	period time.Duration
	last   time.Time
}

type sensor struct {
	axis  attitude.Axis
	topic string
}

func (s sensor) Axis() attitude.Axis { return s.axis }
func (s sensor) Name() string        { return "MQTT " + s.axis.String() + " (" + s.topic + ")" }

func New(cfg Config) *Manager {
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Manager{
		cfg:  cfg,
		log:  l.With().Str("module", "mqttimu").Logger(),
		regs: map[regKey]*registration{},
		bad:  map[attitude.Axis]bool{},
	}
}

// Start subscribes to every configured topic.
func (m *Manager) Start() error {
	if m.cfg.Client == nil {
		return errors.New("mqttimu: client is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribed {
		return nil
	}
	for _, axis := range attitude.Axes {
		topic := m.cfg.Topics[axis]
		if topic == "" {
			continue
		}
		axis := axis
		tok := m.cfg.Client.Subscribe(topic, m.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			m.onMessage(axis, msg.Payload())
		})
		if !tok.WaitTimeout(m.cfg.SubscribeTimeout) {
			return fmt.Errorf("mqttimu: subscribe %s: timeout", topic)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqttimu: subscribe %s: %w", topic, err)
		}
		m.log.Info().Str("topic", topic).Str("sensor", axis.String()).Msg("subscribed")
	}
	m.subscribed = true
	return nil
}

// Close unsubscribes from every topic.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.subscribed {
		return nil
	}
	m.subscribed = false
	var topics []string
	for _, axis := range attitude.Axes {
		if t := m.cfg.Topics[axis]; t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return nil
	}
	tok := m.cfg.Client.Unsubscribe(topics...)
	tok.WaitTimeout(m.cfg.SubscribeTimeout)
	return tok.Error()
}

func (m *Manager) DefaultSensor(axis attitude.Axis) source.Sensor {
	topic := m.cfg.Topics[axis]
	if topic == "" {
		return nil
	}
	return sensor{axis: axis, topic: topic}
}

// RegisterListener delivers messages for s at most once per periodUs.
func (m *Manager) RegisterListener(l source.SensorListener, s source.Sensor, periodUs int) error {
	if s == nil || m.cfg.Topics[s.Axis()] == "" {
		return errors.New("mqttimu: no such sensor")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := regKey{l: l, axis: s.Axis()}
	if r, ok := m.regs[key]; ok {
		r.period = time.Duration(periodUs) * time.Microsecond
		return nil
	}
	m.regs[key] = &registration{period: time.Duration(periodUs) * time.Microsecond}
	return nil
}

func (m *Manager) UnregisterListener(l source.SensorListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.regs {
		if k.l == l {
			delete(m.regs, k)
		}
	}
}

func (m *Manager) onMessage(axis attitude.Axis, payload []byte) {
	var v Vector
	if err := json.Unmarshal(payload, &v); err != nil {
		m.mu.Lock()
		first := !m.bad[axis]
		m.bad[axis] = true
		m.mu.Unlock()
		if first {
			m.log.Warn().Err(err).Str("sensor", axis.String()).Msg("bad payload")
		}
		return
	}

	now := m.cfg.Now()
	var due []source.SensorListener
	m.mu.Lock()
	for k, r := range m.regs {
		if k.axis != axis {
			continue
		}
		if !r.last.IsZero() && now.Sub(r.last) < r.period {
			continue
		}
		r.last = now
		due = append(due, k.l)
	}
	m.mu.Unlock()

	ev := source.SensorEvent{
		Sensor: m.DefaultSensor(axis),
		Values: []float64{v.X, v.Y, v.Z},
		Time:   now,
	}
	for _, l := range due {
		l.OnSensorChanged(ev)
	}
}

// ClientOptions are the connection settings for Connect.
type ClientOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// Connect opens an auto-reconnecting client.
func Connect(o ClientOptions) (mqtt.Client, error) {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(o.Timeout)
	if o.Username != "" {
		opts.SetUsername(o.Username).SetPassword(o.Password)
	}
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(o.Timeout) {
		return nil, fmt.Errorf("mqttimu: connect %s: timeout", o.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqttimu: connect %s: %w", o.Broker, err)
	}
	return client, nil
}
