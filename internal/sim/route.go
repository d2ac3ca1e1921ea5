// Package sim is a simulated handheld device: a GNSS receiver that emits
// NMEA and a set of motion sensors whose readings follow a scripted or
// generated route.
package sim

import "time"

// State is the simulated device state at one instant.
//
// Yaw is the direction the device's top edge points, in degrees from true
// north. Pitch and roll follow the platform's orientation convention.
type State struct {
	LatDeg     float64
	LonDeg     float64
	AltM       float64
	GroundKt   float64
	TrackDeg   float64
	YawDeg     float64
	PitchDeg   float64
	RollDeg    float64
	TurnRate   float64 // rad/s, positive clockwise seen from above
	Satellites int
	Fix        bool
}

// Route yields the device state at a time since the simulation started.
type Route interface {
	StateAt(elapsed time.Duration) State
}
