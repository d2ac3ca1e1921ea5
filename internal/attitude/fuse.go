package attitude

import (
	"math"
	"time"
)

// Gravity is the nominal gravity used by the free-fall check, in m/s².
const Gravity = 9.81

// Below this squared magnitude the accelerometer is considered to be in
// free fall and gives no usable "down" direction.
const freeFallGravitySquared = 0.01 * Gravity * Gravity

// Minimum |E x A| for the horizontal reference to be trusted. Smaller values
// mean the field is almost parallel to gravity (near a magnetic pole) or
// missing.
const minHorizontalNorm = 0.1

// Euler is an attitude in degrees, each angle in (-180, 180].
type Euler struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}

// Record is one fused attitude report, created for every magnetometer
// sample.
type Record struct {
	Time    time.Time
	Heading float64
	Acc     Vec3
	Gyro    Vec3
	Mag     Vec3

	// Orientation is nil when the rotation matrix could not be built.
	Orientation *Euler
}

// Fuse builds a Record from the latest accel, gyro and mag vectors.
//
// Heading only needs the magnetometer. Yaw/pitch/roll need a non-degenerate
// gravity and geomagnetic pair; otherwise they are left out. Gyro values are
// copied through untouched.
func Fuse(acc, gyro, mag Vec3, now time.Time) Record {
	rec := Record{
		Time:    now,
		Heading: Heading(mag),
		Acc:     acc,
		Gyro:    gyro,
		Mag:     mag,
	}
	if r, ok := RotationMatrix(acc, mag); ok {
		e := Orientation(r)
		rec.Orientation = &e
	}
	return rec
}

// Heading returns atan2(mag_y, mag_x) in degrees, in (-180, 180].
func Heading(mag Vec3) float64 {
	return normalizeDeg(math.Atan2(mag[1], mag[0]) * 180 / math.Pi)
}

// Matrix is a row-major 3x3 rotation matrix.
type Matrix [9]float64

// RotationMatrix builds the device-to-world rotation from a gravity vector
// and a geomagnetic vector, both in device coordinates. World axes are
// East, North, Up.
//
// ok is false when the inputs are degenerate (free fall, no field, or field
// parallel to gravity).
func RotationMatrix(gravity, geomagnetic Vec3) (Matrix, bool) {
	ax, ay, az := gravity[0], gravity[1], gravity[2]
	normsqA := ax*ax + ay*ay + az*az
	if normsqA < freeFallGravitySquared {
		return Matrix{}, false
	}

	ex, ey, ez := geomagnetic[0], geomagnetic[1], geomagnetic[2]
	// H = E x A points East.
	hx := ey*az - ez*ay
	hy := ez*ax - ex*az
	hz := ex*ay - ey*ax
	normH := math.Sqrt(hx*hx + hy*hy + hz*hz)
	if normH < minHorizontalNorm || math.IsNaN(normH) || math.IsInf(normH, 0) {
		return Matrix{}, false
	}
	invH := 1 / normH
	hx *= invH
	hy *= invH
	hz *= invH

	invA := 1 / math.Sqrt(normsqA)
	ax *= invA
	ay *= invA
	az *= invA

	// M = A x H points North.
	mx := ay*hz - az*hy
	my := az*hx - ax*hz
	mz := ax*hy - ay*hx

	return Matrix{
		hx, hy, hz,
		mx, my, mz,
		ax, ay, az,
	}, true
}

// Orientation extracts yaw (azimuth), pitch and roll in degrees from a
// rotation matrix built by RotationMatrix.
func Orientation(r Matrix) Euler {
	yaw := math.Atan2(r[1], r[4])
	pitch := math.Asin(clamp(-r[7], -1, 1))
	roll := math.Atan2(-r[6], r[8])
	return Euler{
		Yaw:   normalizeDeg(yaw * 180 / math.Pi),
		Pitch: normalizeDeg(pitch * 180 / math.Pi),
		Roll:  normalizeDeg(roll * 180 / math.Pi),
	}
}

// normalizeDeg maps an angle into (-180, 180] and folds -0 into 0.
func normalizeDeg(d float64) float64 {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return d
	}
	d = math.Mod(d, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	if d == 0 {
		return 0
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
