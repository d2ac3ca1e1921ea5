package sim

import (
	"math"

	"gpsd-forwarder/internal/attitude"
)

const degToRad = math.Pi / 180

// Field is the local geomagnetic field in µT.
type Field struct {
	Horizontal float64
	Down       float64
}

// DefaultField is a mid-latitude northern-hemisphere field.
var DefaultField = Field{Horizontal: 20, Down: 45}

// Vectors returns what the accelerometer, gyroscope and magnetometer of a
// device in state st would read, in device coordinates (x right, y towards
// the top edge, z out of the screen).
func Vectors(st State, field Field) (acc, gyro, mag attitude.Vec3) {
	p := st.PitchDeg * degToRad
	r := st.RollDeg * degToRad
	y := st.YawDeg * degToRad

	// World up expressed in device coordinates.
	up := attitude.Vec3{-math.Sin(r) * math.Cos(p), -math.Sin(p), math.Cos(r) * math.Cos(p)}

	// Forward is the device y axis flattened onto the horizontal plane.
	fwd := sub(attitude.Vec3{0, 1, 0}, scale(up, up[1]))
	if n := norm(fwd); n > 1e-9 {
		fwd = scale(fwd, 1/n)
	} else {
		// Device held vertically: use the screen normal instead.
		fwd = sub(attitude.Vec3{0, 0, 1}, scale(up, up[2]))
		fwd = scale(fwd, 1/norm(fwd))
	}
	right := cross(fwd, up)

	north := sub(scale(fwd, math.Cos(y)), scale(right, math.Sin(y)))

	acc = scale(up, attitude.Gravity)
	mag = sub(scale(north, field.Horizontal), scale(up, field.Down))
	gyro = scale(up, -st.TurnRate)
	return acc, gyro, mag
}

func sub(a, b attitude.Vec3) attitude.Vec3 {
	return attitude.Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func scale(a attitude.Vec3, k float64) attitude.Vec3 {
	return attitude.Vec3{a[0] * k, a[1] * k, a[2] * k}
}

func cross(a, b attitude.Vec3) attitude.Vec3 {
	return attitude.Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm(a attitude.Vec3) float64 {
	return math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2])
}
