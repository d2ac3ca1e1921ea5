// Package attitude fuses raw accelerometer, gyroscope and magnetometer
// vectors into a heading and, when possible, a yaw/pitch/roll triple.
package attitude

import (
	"fmt"
	"sync"
	"time"
)

// Axis identifies one of the three motion sensors.
type Axis int

const (
	Accel Axis = iota
	Gyro
	Mag
)

func (a Axis) String() string {
	switch a {
	case Accel:
		return "accelerometer"
	case Gyro:
		return "gyroscope"
	case Mag:
		return "magnetometer"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Axes lists every sensor axis in registration order.
var Axes = [...]Axis{Accel, Gyro, Mag}

// Vec3 is a raw 3-axis reading.
// Units follow the platform: m/s² (accel), rad/s (gyro), µT (mag).
type Vec3 [3]float64

// Sample is the most recent reading of one sensor.
type Sample struct {
	Axis   Axis
	Values Vec3
	Time   time.Time
}

type slot struct {
	mu     sync.Mutex
	sample Sample
	ok     bool
}

// Slots holds the latest sample per axis. There is no history: every write
// replaces the previous sample for that axis.
//
// Each axis has its own lock, so a writer on one axis never waits for a
// writer on another.
type Slots struct {
	slots [3]slot
}

func (s *Slots) slotFor(a Axis) *slot {
	if a < Accel || a > Mag {
		return nil
	}
	return &s.slots[a]
}

// Store replaces the latest sample for sample.Axis.
func (s *Slots) Store(sample Sample) {
	sl := s.slotFor(sample.Axis)
	if sl == nil {
		return
	}
	sl.mu.Lock()
	sl.sample = sample
	sl.ok = true
	sl.mu.Unlock()
}

// Load returns the latest sample for a. An axis that was never sampled
// reads as the zero vector with ok=false.
func (s *Slots) Load(a Axis) (Sample, bool) {
	sl := s.slotFor(a)
	if sl == nil {
		return Sample{Axis: a}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.ok {
		return Sample{Axis: a}, false
	}
	return sl.sample, true
}

// Fuse reads the three slots and builds a Record stamped with now.
func (s *Slots) Fuse(now time.Time) Record {
	acc, _ := s.Load(Accel)
	gyro, _ := s.Load(Gyro)
	mag, _ := s.Load(Mag)
	return Fuse(acc.Values, gyro.Values, mag.Values, now)
}

// Reset forgets every sample.
func (s *Slots) Reset() {
	for i := range s.slots {
		sl := &s.slots[i]
		sl.mu.Lock()
		sl.sample = Sample{}
		sl.ok = false
		sl.mu.Unlock()
	}
}
