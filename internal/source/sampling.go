package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Sampling periods matching the platform's named sensor delays.
const (
	PeriodFastest = 0
	PeriodGame    = 20000
	PeriodUI      = 66667
	PeriodNormal  = 200000
)

// Sampling is the requested motion-sensor rate. When Disabled is set no
// sensor is subscribed at all.
type Sampling struct {
	PeriodUs int
	Disabled bool
}

// Disabled turns the motion sensors off.
var Disabled = Sampling{Disabled: true}

// Period returns an enabled Sampling with the given period.
func Period(us int) Sampling {
	if us < 0 {
		return Disabled
	}
	return Sampling{PeriodUs: us}
}

// ParseSampling accepts a preset name (disabled, fastest, game, ui, normal)
// or an integer period in microseconds. A negative integer disables the
// sensors.
func ParseSampling(s string) (Sampling, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return Disabled, nil
	case "fastest":
		return Period(PeriodFastest), nil
	case "game":
		return Period(PeriodGame), nil
	case "ui":
		return Period(PeriodUI), nil
	case "normal", "":
		return Period(PeriodNormal), nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return Sampling{}, fmt.Errorf("source: invalid sampling %q", s)
	}
	return Period(v), nil
}

// Enabled reports whether s subscribes the motion sensors. A negative
// period counts as disabled.
func (s Sampling) Enabled() bool {
	return !s.Disabled && s.PeriodUs >= 0
}

func (s Sampling) String() string {
	if !s.Enabled() {
		return "disabled"
	}
	switch s.PeriodUs {
	case PeriodFastest:
		return "fastest"
	case PeriodGame:
		return "game"
	case PeriodUI:
		return "ui"
	case PeriodNormal:
		return "normal"
	}
	return strconv.Itoa(s.PeriodUs) + "us"
}

// MarshalText renders s the way ParseSampling reads it.
func (s Sampling) MarshalText() ([]byte, error) {
	if !s.Enabled() {
		return []byte("disabled"), nil
	}
	switch s.PeriodUs {
	case PeriodFastest, PeriodGame, PeriodUI, PeriodNormal:
		return []byte(s.String()), nil
	}
	return []byte(strconv.Itoa(s.PeriodUs)), nil
}

// UnmarshalJSON accepts a period in microseconds as a JSON number, or any
// string ParseSampling reads.
func (s *Sampling) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		return s.UnmarshalText([]byte(str))
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("source: invalid sampling %s", b)
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return fmt.Errorf("source: sampling %s is not an integer period", n)
	}
	*s = Period(v)
	return nil
}

// UnmarshalText lets Sampling be read from YAML and JSON strings.
func (s *Sampling) UnmarshalText(b []byte) error {
	v, err := ParseSampling(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
