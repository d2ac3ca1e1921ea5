package source

import "time"

// NMEAStrategy names the NMEA subscription chosen at Start.
type NMEAStrategy int

const (
	NMEANone NMEAStrategy = iota
	NMEAModern
	NMEALegacy
)

func (s NMEAStrategy) String() string {
	switch s {
	case NMEAModern:
		return "modern"
	case NMEALegacy:
		return "legacy"
	default:
		return "none"
	}
}

// nmeaSubscription hides which registration API is in use.
type nmeaSubscription interface {
	strategy() NMEAStrategy
	add() error
	// remove returns an error only for the legacy API.
	remove() error
}

type modernNMEA struct {
	reg NmeaMessageRegistrar
	l   *modernListener
}

type modernListener struct{ a *Adapter }

func (l *modernListener) OnNmeaMessage(message string, timestamp time.Time) {
	l.a.onNMEA(message, timestamp)
}

func (m *modernNMEA) strategy() NMEAStrategy { return NMEAModern }
func (m *modernNMEA) add() error             { return m.reg.AddNmeaMessageListener(m.l) }
func (m *modernNMEA) remove() error {
	m.reg.RemoveNmeaMessageListener(m.l)
	return nil
}

type legacyNMEA struct {
	reg LegacyNmeaRegistrar
	l   *legacyListener
}

type legacyListener struct{ a *Adapter }

func (l *legacyListener) OnNmeaReceived(timestampMillis int64, nmea string) {
	l.a.onNMEA(nmea, time.UnixMilli(timestampMillis))
}

func (m *legacyNMEA) strategy() NMEAStrategy { return NMEALegacy }
func (m *legacyNMEA) add() error             { return m.reg.AddNmeaListener(m.l) }
func (m *legacyNMEA) remove() error {
	return m.reg.RemoveNmeaListener(m.l)
}

// probeNMEA picks the subscription once from what lm implements.
func probeNMEA(a *Adapter, lm LocationManager) nmeaSubscription {
	if reg, ok := lm.(NmeaMessageRegistrar); ok && lm.APILevel() >= ModernNMEAAPILevel {
		return &modernNMEA{reg: reg, l: &modernListener{a: a}}
	}
	if reg, ok := lm.(LegacyNmeaRegistrar); ok {
		return &legacyNMEA{reg: reg, l: &legacyListener{a: a}}
	}
	return nil
}
