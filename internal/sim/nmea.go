package sim

import (
	"fmt"
	"math"
	"time"

	"gpsd-forwarder/internal/gpsd"
)

// Sentences renders st as the GGA and RMC pair a receiver emits once per
// fix.
func Sentences(now time.Time, st State) []string {
	now = now.UTC()
	hms := fmt.Sprintf("%02d%02d%02d.%02d", now.Hour(), now.Minute(), now.Second(), now.Nanosecond()/1e7)
	lat, ns := nmeaCoord(st.LatDeg, 2, "N", "S")
	lon, ew := nmeaCoord(st.LonDeg, 3, "E", "W")

	quality, valid := 1, "A"
	if !st.Fix {
		quality, valid = 0, "V"
	}
	hdop := 0.9
	if st.Satellites < 5 {
		hdop = 2.5
	}

	gga := gpsd.Sentencef("GPGGA,%s,%s,%s,%s,%s,%d,%02d,%.1f,%.1f,M,0.0,M,,",
		hms, lat, ns, lon, ew, quality, st.Satellites, hdop, st.AltM)
	rmc := gpsd.Sentencef("GPRMC,%s,%s,%s,%s,%s,%s,%.1f,%.1f,%s,,,A",
		hms, valid, lat, ns, lon, ew, st.GroundKt, st.TrackDeg, now.Format("020106"))
	return []string{gga, rmc}
}

// nmeaCoord formats decimal degrees as (d)ddmm.mmmm plus a hemisphere.
func nmeaCoord(deg float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if deg < 0 {
		hemi = neg
		deg = -deg
	}
	whole := math.Floor(deg)
	minutes := (deg - whole) * 60
	// Rounding can carry into the next degree.
	if math.Round(minutes*10000)/10000 >= 60 {
		whole++
		minutes = 0
	}
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(whole), minutes), hemi
}
