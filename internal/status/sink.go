// Package status carries human-readable status lines from the streaming
// core to whatever front-end is watching.
//
// Calls to Sink.Log are synchronous and must not block for long: they are
// made from platform callbacks and from the network worker.
package status

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sink receives status text.
type Sink interface {
	Log(msg string)
}

// Func adapts a plain function to a Sink.
type Func func(msg string)

func (f Func) Log(msg string) {
	if f != nil {
		f(msg)
	}
}

// Discard drops every message.
var Discard Sink = Func(nil)

// Multi fans a message out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Log(msg string) {
	for _, s := range m {
		s.Log(msg)
	}
}

// Zerolog writes each status line as an info event with the line as the
// message.
func Zerolog(l zerolog.Logger) Sink {
	return zerologSink{l: l.With().Str("module", "status").Logger()}
}

type zerologSink struct {
	l zerolog.Logger
}

func (z zerologSink) Log(msg string) {
	z.l.Info().Msg(msg)
}

// Channel is a bounded message-passing sink. Log never blocks: when the
// buffer is full the message is dropped and counted. The consumer drains C
// on its own schedule.
type Channel struct {
	C <-chan string

	ch      chan string
	closeMu sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewChannel returns a Channel holding up to size pending lines.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 256
	}
	ch := make(chan string, size)
	return &Channel{C: ch, ch: ch}
}

func (c *Channel) Log(msg string) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return
	}
	select {
	case c.ch <- msg:
	default:
		c.dropped.Add(1)
	}
}

// Dropped reports how many lines were lost to a full buffer or to Close.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Close closes C once every pending line has been queued. Later Log calls
// are counted as dropped.
func (c *Channel) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
