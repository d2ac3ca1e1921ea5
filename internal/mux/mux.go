// Package mux merges NMEA sentences and attitude records into one ordered
// queue of wire messages for the network worker.
package mux

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gpsd-forwarder/internal/attitude"
	"gpsd-forwarder/internal/gpsd"
	"gpsd-forwarder/internal/status"
)

// DefaultMaxPending bounds the queue when Config.MaxPending is zero.
const DefaultMaxPending = 4096

// ErrClosed is returned by Next once Close has been called.
var ErrClosed = errors.New("mux: closed")

type Config struct {
	Sink   status.Sink
	Logger *zerolog.Logger

	// MaxPending is the most messages held for the worker. Newer messages
	// are dropped while the queue is full.
	MaxPending int
}

// Stats counts queue traffic.
type Stats struct {
	Enqueued     uint64 `json:"enqueued"`
	Emitted      uint64 `json:"emitted"`
	Dropped      uint64 `json:"dropped"`
	EncodeErrors uint64 `json:"encode_errors"`
	Pending      int    `json:"pending"`
}

// Multiplexer is a FIFO shared by both sources. The Handle methods never
// block; Next blocks until a message is available.
type Multiplexer struct {
	sink status.Sink
	log  zerolog.Logger
	max  int

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []gpsd.Message
	closed      bool
	overflowing bool
	badRecords  bool // inside a run of records that failed to encode
	stats       Stats
}

func New(cfg Config) *Multiplexer {
	m := &Multiplexer{
		sink: cfg.Sink,
		max:  cfg.MaxPending,
	}
	if m.sink == nil {
		m.sink = status.Discard
	}
	if m.max <= 0 {
		m.max = DefaultMaxPending
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	m.log = l.With().Str("module", "mux").Logger()
	m.cond = sync.NewCond(&m.mu)
	return m
}

// HandleNMEA queues a sentence unchanged.
func (m *Multiplexer) HandleNMEA(n gpsd.NMEA) {
	m.push(gpsd.NMEAMessage(n))
}

// HandleAttitude serializes rec to ATT JSON and queues it. Only the first
// failure of a run of unencodable records reaches the sink.
func (m *Multiplexer) HandleAttitude(rec attitude.Record) {
	msg, err := gpsd.ATTMessage(rec)
	m.mu.Lock()
	first := err != nil && !m.badRecords
	m.badRecords = err != nil
	if err != nil {
		m.stats.EncodeErrors++
	}
	m.mu.Unlock()
	if err != nil {
		if first {
			m.log.Warn().Err(err).Msg("attitude record not encodable")
			m.sink.Log("Failed to send IMU data: " + err.Error())
		}
		return
	}
	m.push(msg)
}

func (m *Multiplexer) push(msg gpsd.Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if len(m.queue) >= m.max {
		m.stats.Dropped++
		first := !m.overflowing
		m.overflowing = true
		m.mu.Unlock()
		if first {
			m.log.Warn().Int("max_pending", m.max).Msg("queue full, dropping")
			status.Warn(m.sink, &status.DegradedModeWarning{
				Feature: "stream",
				Reason:  "server is not keeping up, dropping messages past " + strconv.Itoa(m.max) + " pending",
			})
		}
		return
	}
	m.queue = append(m.queue, msg)
	m.stats.Enqueued++
	m.cond.Signal()
	m.mu.Unlock()
}

// Next returns the oldest queued message. It blocks until one arrives, ctx
// is done, or the multiplexer is closed.
func (m *Multiplexer) Next(ctx context.Context) (gpsd.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed {
			return gpsd.Message{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return gpsd.Message{}, err
		}
		if len(m.queue) > 0 {
			break
		}
		m.cond.Wait()
	}

	msg := m.queue[0]
	m.queue[0] = gpsd.Message{}
	m.queue = m.queue[1:]
	m.stats.Emitted++
	if m.overflowing && len(m.queue) < m.max/2 {
		m.overflowing = false
	}
	return msg, nil
}

// Close discards anything pending and wakes every blocked Next. Later
// messages are ignored.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	m.cond.Broadcast()
}

// Stats returns a copy of the counters.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Pending = len(m.queue)
	return s
}
