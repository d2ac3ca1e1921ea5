// Package gpsd holds the wire format spoken to a gpsd-compatible server:
// one message per line, either a verbatim NMEA sentence or a JSON object
// tagged with a "class" field.
package gpsd

import (
	"bytes"
	"time"
)

// Kind tells which source produced a Message.
type Kind int

const (
	KindNMEA Kind = iota
	KindATT
)

func (k Kind) String() string {
	switch k {
	case KindNMEA:
		return "nmea"
	case KindATT:
		return "att"
	default:
		return "unknown"
	}
}

// NMEA is one sentence exactly as the platform delivered it.
type NMEA struct {
	Sentence string
	Received time.Time
}

// Message is one unit of the outbound stream. Payload is never modified
// after construction.
type Message struct {
	Kind     Kind
	Payload  []byte
	Received time.Time
}

// NMEAMessage wraps a sentence without touching its bytes.
func NMEAMessage(n NMEA) Message {
	return Message{Kind: KindNMEA, Payload: []byte(n.Sentence), Received: n.Received}
}

// Line returns the bytes that go on the wire: the payload followed by a
// single '\n', unless the payload already ends with one.
func (m Message) Line() []byte {
	return AppendLine(nil, m.Payload)
}

// AppendLine appends payload to dst and terminates it with '\n' when needed.
func AppendLine(dst, payload []byte) []byte {
	dst = append(dst, payload...)
	if !bytes.HasSuffix(payload, []byte{'\n'}) {
		dst = append(dst, '\n')
	}
	return dst
}
