package gpsd

import (
	"math"
	"strings"
	"testing"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"gpsd-forwarder/internal/attitude"
)

func TestParseLine_NMEA(t *testing.T) {
	rep, err := ParseLine("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if rep.Class != "NMEA" {
		t.Fatalf("class=%q want NMEA", rep.Class)
	}
	gga, ok := rep.NMEA.(nmea.GGA)
	if !ok {
		t.Fatalf("sentence=%T want nmea.GGA", rep.NMEA)
	}
	if gga.NumSatellites != 8 {
		t.Fatalf("sats=%d want 8", gga.NumSatellites)
	}
	if math.Abs(gga.Latitude-48.1173) > 1e-4 {
		t.Fatalf("lat=%v", gga.Latitude)
	}
	if !strings.Contains(rep.Summary(), "sats=8") {
		t.Fatalf("summary=%q", rep.Summary())
	}
}

func TestParseLine_BadChecksum(t *testing.T) {
	if _, err := ParseLine("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseLine_ATTRoundTrip(t *testing.T) {
	rec := attitude.Fuse(attitude.Vec3{0, 0, 9.8}, attitude.Vec3{}, attitude.Vec3{0, 1, 0}, time.Unix(5, 0))
	b, err := EncodeATT(rec)
	if err != nil {
		t.Fatalf("EncodeATT: %v", err)
	}
	rep, err := ParseLine(string(b))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if rep.ATT == nil || rep.ATT.Device != Device {
		t.Fatalf("report=%+v", rep)
	}
	if math.Abs(rep.ATT.Heading-90) > 1e-9 {
		t.Fatalf("heading=%v want 90", rep.ATT.Heading)
	}
	if rep.ATT.Yaw == nil {
		t.Fatalf("expected yaw")
	}
}

func TestParseLine_TPVAndUnknown(t *testing.T) {
	rep, err := ParseLine(`{"class":"TPV","mode":3,"lat":45.5,"lon":-122.9}`)
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if rep.TPV == nil || rep.TPV.Mode == nil || *rep.TPV.Mode != 3 {
		t.Fatalf("tpv=%+v", rep.TPV)
	}
	if got := rep.Summary(); got != "TPV mode=3 lat=45.500000 lon=-122.900000" {
		t.Fatalf("summary=%q", got)
	}

	rep, err = ParseLine(`{"class":"VERSION","release":"3.25"}`)
	if err != nil {
		t.Fatalf("ParseLine VERSION: %v", err)
	}
	if rep.Class != "VERSION" || rep.ATT != nil || rep.TPV != nil {
		t.Fatalf("report=%+v", rep)
	}
}

func TestParseLine_Errors(t *testing.T) {
	for _, line := range []string{"", "   ", "not json", `{"mode":1}`} {
		if _, err := ParseLine(line); err == nil {
			t.Fatalf("ParseLine(%q) expected error", line)
		}
	}
}
