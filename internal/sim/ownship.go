package sim

import (
	"math"
	"time"
)

const (
	knotsToMS = 0.514444
	feetToM   = 0.3048
)

// Orbit flies a figure-eight around a center point with a gentle altitude
// wave. The device is carried level with the direction of travel, banked
// into turns.
type Orbit struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltFeet      int
	RadiusNm     float64
	Period       time.Duration
	Satellites   int
}

func (o Orbit) period() time.Duration {
	if o.Period <= 0 {
		return 120 * time.Second
	}
	return o.Period
}

func (o Orbit) radiusNm() float64 {
	if o.RadiusNm <= 0 {
		return 0.5
	}
	return o.RadiusNm
}

// StateAt returns the deterministic state at elapsed.
func (o Orbit) StateAt(elapsed time.Duration) State {
	period := o.period()
	radiusDeg := o.radiusNm() / 60.0

	phase := float64(elapsed.Nanoseconds()%period.Nanoseconds()) / float64(period.Nanoseconds())
	if phase < 0 {
		phase += 1
	}

	// x = cos(2πt), y = 0.5*sin(4πt): stays inside the radius.
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	lat := o.CenterLatDeg + radiusDeg*y
	lon := o.CenterLonDeg + (radiusDeg*x)/math.Cos(o.CenterLatDeg*math.Pi/180.0)

	// Velocity and acceleration in units of radius per period.
	tw := 2 * math.Pi
	vx := -tw * math.Sin(w)
	vy := tw * math.Cos(2*w)
	ax := -tw * tw * math.Cos(w)
	ay := -2 * tw * tw * math.Sin(2*w)

	track := math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)

	radiusM := o.radiusNm() * 1852
	scale := radiusM / period.Seconds()
	speedMS := math.Hypot(vx, vy) * scale

	// Turn rate is the curvature times speed; clockwise positive.
	turn := 0.0
	if v2 := vx*vx + vy*vy; v2 > 0 {
		turn = -(vx*ay - vy*ax) / v2 / period.Seconds()
	}
	bank := math.Atan(speedMS*turn/9.81) * 180 / math.Pi

	baseAlt := o.AltFeet
	if baseAlt == 0 {
		baseAlt = 3000
	}
	alt := float64(baseAlt) + 500*math.Sin(w/2)

	sats := o.Satellites
	if sats == 0 {
		sats = 9
	}

	yaw := track
	if yaw > 180 {
		yaw -= 360
	}
	return State{
		LatDeg:     lat,
		LonDeg:     lon,
		AltM:       alt * feetToM,
		GroundKt:   speedMS / knotsToMS,
		TrackDeg:   track,
		YawDeg:     yaw,
		RollDeg:    bank,
		TurnRate:   turn,
		Satellites: sats,
		Fix:        true,
	}
}
