package gpsd

import (
	"encoding/json"
	"fmt"
	"strings"

	nmea "github.com/adrianmo/go-nmea"
)

// TPV is the subset of a gpsd time-position-velocity report that the sink
// tool prints.
type TPV struct {
	Class string   `json:"class"`
	Mode  *int     `json:"mode"`
	Time  string   `json:"time"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Alt   *float64 `json:"alt"`
	Speed *float64 `json:"speed"`
	Track *float64 `json:"track"`
}

type sat struct {
	Used bool `json:"used"`
}

// SKY is the subset of a gpsd sky view report that the sink tool prints.
type SKY struct {
	Class      string   `json:"class"`
	HDOP       *float64 `json:"hdop"`
	Satellites []sat    `json:"satellites"`
}

// Used counts the satellites flagged as used in the solution.
func (s SKY) Used() int {
	n := 0
	for _, v := range s.Satellites {
		if v.Used {
			n++
		}
	}
	return n
}

// Report is one decoded line. Exactly one of NMEA, ATT, TPV, SKY is set,
// except for JSON classes this package does not know, where only Class is.
type Report struct {
	Class string
	Raw   string

	NMEA nmea.Sentence
	ATT  *ATT
	TPV  *TPV
	SKY  *SKY
}

type msgBase struct {
	Class string `json:"class"`
}

// ParseLine decodes one line of a gpsd-style stream. Lines starting with
// '$' or '!' are NMEA and get class "NMEA".
func ParseLine(line string) (Report, error) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Report{}, fmt.Errorf("gpsd: empty line")
	}
	rep := Report{Raw: line}

	if trimmed[0] == '$' || trimmed[0] == '!' {
		s, err := nmea.Parse(trimmed)
		if err != nil {
			return rep, fmt.Errorf("gpsd: nmea parse failed: %w", err)
		}
		rep.Class = "NMEA"
		rep.NMEA = s
		return rep, nil
	}

	var base msgBase
	if err := json.Unmarshal([]byte(trimmed), &base); err != nil {
		return rep, fmt.Errorf("gpsd: json parse failed: %w", err)
	}
	rep.Class = strings.ToUpper(strings.TrimSpace(base.Class))

	switch rep.Class {
	case "ATT":
		var att ATT
		if err := json.Unmarshal([]byte(trimmed), &att); err != nil {
			return rep, fmt.Errorf("gpsd: att parse failed: %w", err)
		}
		rep.ATT = &att
	case "TPV":
		var tpv TPV
		if err := json.Unmarshal([]byte(trimmed), &tpv); err != nil {
			return rep, fmt.Errorf("gpsd: tpv parse failed: %w", err)
		}
		rep.TPV = &tpv
	case "SKY":
		var sky SKY
		if err := json.Unmarshal([]byte(trimmed), &sky); err != nil {
			return rep, fmt.Errorf("gpsd: sky parse failed: %w", err)
		}
		rep.SKY = &sky
	case "":
		return rep, fmt.Errorf("gpsd: missing class")
	default:
		// VERSION, DEVICES, WATCH and friends carry nothing we summarize.
	}
	return rep, nil
}

// Summary renders a one-line human description of r.
func (r Report) Summary() string {
	switch {
	case r.ATT != nil:
		a := r.ATT
		s := fmt.Sprintf("ATT heading=%.1f", a.Heading)
		if a.Yaw != nil && a.Pitch != nil && a.Roll != nil {
			s += fmt.Sprintf(" yaw=%.1f pitch=%.1f roll=%.1f", *a.Yaw, *a.Pitch, *a.Roll)
		}
		return s
	case r.TPV != nil:
		t := r.TPV
		mode := 0
		if t.Mode != nil {
			mode = *t.Mode
		}
		if t.Lat != nil && t.Lon != nil {
			return fmt.Sprintf("TPV mode=%d lat=%.6f lon=%.6f", mode, *t.Lat, *t.Lon)
		}
		return fmt.Sprintf("TPV mode=%d", mode)
	case r.SKY != nil:
		return fmt.Sprintf("SKY used=%d/%d", r.SKY.Used(), len(r.SKY.Satellites))
	case r.NMEA != nil:
		return summarizeNMEA(r.NMEA)
	default:
		return r.Class
	}
}

func summarizeNMEA(s nmea.Sentence) string {
	switch m := s.(type) {
	case nmea.GGA:
		return fmt.Sprintf("%s fix=%s sats=%d lat=%.6f lon=%.6f alt=%.1f",
			s.Prefix(), m.FixQuality, m.NumSatellites, m.Latitude, m.Longitude, m.Altitude)
	case nmea.RMC:
		return fmt.Sprintf("%s valid=%s lat=%.6f lon=%.6f speed=%.1fkt course=%.1f",
			s.Prefix(), m.Validity, m.Latitude, m.Longitude, m.Speed, m.Course)
	case nmea.GSV:
		return fmt.Sprintf("%s in-view=%d", s.Prefix(), m.NumberSVsInView)
	default:
		return s.Prefix()
	}
}
