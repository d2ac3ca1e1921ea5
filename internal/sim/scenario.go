package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Script is a keyframed route read from YAML.
//
//	version: 1
//	duration: 60s
//	loop: true
//	keyframes:
//	  - t: 0s
//	    lat_deg: 45.0
//	    lon_deg: -122.0
//	    alt_m: 100
//	    ground_kt: 3
//	    track_deg: 90
//	    pitch_deg: -10
//	    roll_deg: 0
//	    satellites: 8
//
// Keyframes must be sorted by t. If duration is zero it is the time of the
// last keyframe.
type Script struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Loop      bool          `yaml:"loop"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

// Keyframe is one time-stamped device state. Yaw defaults to the track.
type Keyframe struct {
	T          time.Duration `yaml:"t"`
	LatDeg     float64       `yaml:"lat_deg"`
	LonDeg     float64       `yaml:"lon_deg"`
	AltM       float64       `yaml:"alt_m"`
	GroundKt   float64       `yaml:"ground_kt"`
	TrackDeg   float64       `yaml:"track_deg"`
	YawDeg     *float64      `yaml:"yaw_deg"`
	PitchDeg   float64       `yaml:"pitch_deg"`
	RollDeg    float64       `yaml:"roll_deg"`
	Satellites int           `yaml:"satellites"`
	NoFix      bool          `yaml:"no_fix"`
}

// Scenario is a validated Script. It implements Route.
type Scenario struct {
	script   Script
	duration time.Duration
}

// LoadScript reads a YAML route script from path.
func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScriptYAML(b)
}

// ParseScriptYAML parses a YAML route script.
func ParseScriptYAML(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, err
	}
	return s, nil
}

// NewScenario validates script.
func NewScenario(script Script) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if kf.PitchDeg < -90 || kf.PitchDeg > 90 {
			return nil, fmt.Errorf("keyframes[%d].pitch_deg must be within [-90,90]", i)
		}
	}
	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	return &Scenario{script: script, duration: dur}, nil
}

// Duration returns the effective scenario length.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// StateAt interpolates between keyframes. Elapsed wraps around Duration
// when the script loops and is clamped to it otherwise.
func (s *Scenario) StateAt(elapsed time.Duration) State {
	if s == nil {
		return State{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if s.script.Loop {
			elapsed = elapsed % s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}

	k0, k1, alpha := selectSegment(s.script.Keyframes, elapsed)
	track := lerpAngleDeg(k0.TrackDeg, k1.TrackDeg, alpha)
	yaw := lerpAngleDeg(yawOf(k0), yawOf(k1), alpha)
	if yaw > 180 {
		yaw -= 360
	}

	turn := 0.0
	if dt := (k1.T - k0.T).Seconds(); dt > 0 {
		d := lerpAngleDeg(0, k1.TrackDeg-k0.TrackDeg, 1)
		if d > 180 {
			d -= 360
		}
		turn = d / dt * degToRad
	}

	sats := k0.Satellites
	if alpha >= 0.5 {
		sats = k1.Satellites
	}
	return State{
		LatDeg:     lerp(k0.LatDeg, k1.LatDeg, alpha),
		LonDeg:     lerp(k0.LonDeg, k1.LonDeg, alpha),
		AltM:       lerp(k0.AltM, k1.AltM, alpha),
		GroundKt:   lerp(k0.GroundKt, k1.GroundKt, alpha),
		TrackDeg:   track,
		YawDeg:     yaw,
		PitchDeg:   lerp(k0.PitchDeg, k1.PitchDeg, alpha),
		RollDeg:    lerp(k0.RollDeg, k1.RollDeg, alpha),
		TurnRate:   turn,
		Satellites: sats,
		Fix:        !(k0.NoFix || (alpha > 0 && k1.NoFix)),
	}
}

func yawOf(k Keyframe) float64 {
	if k.YawDeg != nil {
		return *k.YawDeg
	}
	return k.TrackDeg
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerpAngleDeg interpolates along the shorter arc; the result is in [0,360).
func lerpAngleDeg(a0, a1, t float64) float64 {
	norm := func(x float64) float64 {
		for x < 0 {
			x += 360
		}
		for x >= 360 {
			x -= 360
		}
		return x
	}
	a0 = norm(a0)
	a1 = norm(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return norm(a0 + delta*t)
}
