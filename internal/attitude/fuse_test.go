package attitude

import (
	"math"
	"testing"
	"time"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestHeading(t *testing.T) {
	cases := []struct {
		mag  Vec3
		want float64
	}{
		{Vec3{1, 0, 0}, 0},
		{Vec3{0, 1, 0}, 90},
		{Vec3{-1, 0, 0}, 180},
		{Vec3{0, -1, 0}, -90},
		{Vec3{1, 1, 0}, 45},
		{Vec3{0, 0, 0}, 0},
	}
	for _, tc := range cases {
		got := Heading(tc.mag)
		if !approx(got, tc.want) {
			t.Fatalf("Heading(%v)=%v want %v", tc.mag, got, tc.want)
		}
		if again := Heading(tc.mag); again != got {
			t.Fatalf("Heading(%v) not deterministic: %v then %v", tc.mag, got, again)
		}
	}
}

func TestFuse_FlatDevicePointingNorth(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := Fuse(Vec3{0, 0, 9.8}, Vec3{0.1, 0.2, 0.3}, Vec3{0, 1, 0}, now)
	if !approx(rec.Heading, 90) {
		t.Fatalf("heading=%v want 90", rec.Heading)
	}
	if rec.Orientation == nil {
		t.Fatalf("expected orientation")
	}
	o := *rec.Orientation
	if o.Yaw != 0 || o.Pitch != 0 || o.Roll != 0 {
		t.Fatalf("orientation=%+v want all zero", o)
	}
	if math.Signbit(o.Pitch) || math.Signbit(o.Roll) || math.Signbit(o.Yaw) {
		t.Fatalf("negative zero leaked: %+v", o)
	}
	if rec.Gyro != (Vec3{0.1, 0.2, 0.3}) {
		t.Fatalf("gyro=%v want passthrough", rec.Gyro)
	}
	if !rec.Time.Equal(now) {
		t.Fatalf("time=%v want %v", rec.Time, now)
	}
}

func TestFuse_YawFollowsField(t *testing.T) {
	rec := Fuse(Vec3{0, 0, 9.8}, Vec3{}, Vec3{1, 0, 0}, time.Time{})
	if rec.Orientation == nil {
		t.Fatalf("expected orientation")
	}
	if !approx(rec.Orientation.Yaw, -90) {
		t.Fatalf("yaw=%v want -90", rec.Orientation.Yaw)
	}
}

func TestFuse_PitchNoseUp(t *testing.T) {
	rec := Fuse(Vec3{0, 9.8, 0}, Vec3{}, Vec3{0, 0, -1}, time.Time{})
	if rec.Orientation == nil {
		t.Fatalf("expected orientation")
	}
	if !approx(rec.Orientation.Pitch, -90) {
		t.Fatalf("pitch=%v want -90", rec.Orientation.Pitch)
	}
}

func TestFuse_DegenerateOmitsOrientation(t *testing.T) {
	cases := []struct {
		name string
		acc  Vec3
		mag  Vec3
	}{
		{"free fall", Vec3{0, 0, 0.5}, Vec3{0, 1, 0}},
		{"no accel sample", Vec3{}, Vec3{0, 1, 0}},
		{"field parallel to gravity", Vec3{0, 0, 9.8}, Vec3{0, 0, 40}},
		{"no field", Vec3{0, 0, 9.8}, Vec3{}},
	}
	for _, tc := range cases {
		rec := Fuse(tc.acc, Vec3{}, tc.mag, time.Time{})
		if rec.Orientation != nil {
			t.Fatalf("%s: orientation=%+v want nil", tc.name, *rec.Orientation)
		}
		if !approx(rec.Heading, Heading(tc.mag)) {
			t.Fatalf("%s: heading=%v want %v", tc.name, rec.Heading, Heading(tc.mag))
		}
	}
}

func TestFuse_AnglesStayInRange(t *testing.T) {
	vals := []float64{-9.8, -3, -0.5, 0, 0.5, 3, 9.8}
	inRange := func(v float64) bool { return v > -180 && v <= 180 }
	built := 0
	for _, ax := range vals {
		for _, ay := range vals {
			for _, az := range vals {
				for _, m := range []Vec3{{30, 0, -20}, {0, -25, 40}, {-10, 10, 10}, {0, 1, 0}} {
					rec := Fuse(Vec3{ax, ay, az}, Vec3{}, m, time.Time{})
					if !inRange(rec.Heading) {
						t.Fatalf("heading=%v out of range", rec.Heading)
					}
					if rec.Orientation == nil {
						continue
					}
					built++
					o := rec.Orientation
					if !inRange(o.Yaw) || !inRange(o.Pitch) || !inRange(o.Roll) {
						t.Fatalf("acc=%v mag=%v orientation=%+v out of range", Vec3{ax, ay, az}, m, *o)
					}
					if o.Pitch < -90 || o.Pitch > 90 {
						t.Fatalf("pitch=%v outside [-90,90]", o.Pitch)
					}
				}
			}
		}
	}
	if built == 0 {
		t.Fatalf("no orientation was ever built")
	}
}

func TestRotationMatrix_Orthonormal(t *testing.T) {
	r, ok := RotationMatrix(Vec3{1, 2, 9}, Vec3{20, -5, -30})
	if !ok {
		t.Fatalf("expected ok")
	}
	for row := 0; row < 3; row++ {
		n := r[row*3]*r[row*3] + r[row*3+1]*r[row*3+1] + r[row*3+2]*r[row*3+2]
		if math.Abs(n-1) > 1e-9 {
			t.Fatalf("row %d norm=%v want 1", row, n)
		}
	}
	dot := r[0]*r[3] + r[1]*r[4] + r[2]*r[5]
	if math.Abs(dot) > 1e-9 {
		t.Fatalf("H.M=%v want 0", dot)
	}
}

func TestNormalizeDeg(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{math.Copysign(0, -1), 0},
		{180, 180},
		{-180, 180},
		{190, -170},
		{-190, 170},
		{540, 180},
		{-720, 0},
	}
	for _, tc := range cases {
		got := normalizeDeg(tc.in)
		if !approx(got, tc.want) || math.Signbit(got) != math.Signbit(tc.want) {
			t.Fatalf("normalizeDeg(%v)=%v want %v", tc.in, got, tc.want)
		}
	}
}
