package gpsd

import (
	"strings"
	"testing"
	"time"

	"gpsd-forwarder/internal/attitude"
)

func TestMessageLine_AppendsNewlineOnce(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{"$GPGGA,1*00", "$GPGGA,1*00\n"},
		{"$GPGGA,1*00\n", "$GPGGA,1*00\n"},
		{"$GPGGA,1*00\r\n", "$GPGGA,1*00\r\n"},
		{"", "\n"},
	}
	for _, tc := range cases {
		got := string(Message{Payload: []byte(tc.payload)}.Line())
		if got != tc.want {
			t.Fatalf("Line(%q)=%q want %q", tc.payload, got, tc.want)
		}
	}
}

func TestNMEAMessage_Verbatim(t *testing.T) {
	s := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	m := NMEAMessage(NMEA{Sentence: s})
	if m.Kind != KindNMEA || string(m.Payload) != s {
		t.Fatalf("msg=%+v", m)
	}
}

func TestEncodeATT_FieldOrder(t *testing.T) {
	rec := attitude.Fuse(attitude.Vec3{0, 0, 9.8}, attitude.Vec3{}, attitude.Vec3{0, 1, 0}, time.Unix(1700000000, 500000000))
	b, err := EncodeATT(rec)
	if err != nil {
		t.Fatalf("EncodeATT: %v", err)
	}
	s := string(b)
	if strings.Contains(s, "\n") {
		t.Fatalf("payload must be a single line: %q", s)
	}
	order := []string{`"class":"ATT"`, `"device":"ANDROID"`, `"time":1700000000.5`, `"timeTag":1700000000.5`,
		`"acc_x"`, `"acc_y"`, `"acc_z"`, `"gyro_x"`, `"gyro_y"`, `"gyro_z"`,
		`"mag_x"`, `"mag_y"`, `"mag_z"`, `"heading":`, `"yaw":0`, `"pitch":0`, `"roll":0`}
	last := -1
	for _, key := range order {
		i := strings.Index(s, key)
		if i < 0 {
			t.Fatalf("missing %s in %s", key, s)
		}
		if i <= last {
			t.Fatalf("%s out of order in %s", key, s)
		}
		last = i
	}
}

func TestEncodeATT_OmitsOrientationWhenUnavailable(t *testing.T) {
	rec := attitude.Fuse(attitude.Vec3{}, attitude.Vec3{}, attitude.Vec3{1, 0, 0}, time.Unix(1, 0))
	b, err := EncodeATT(rec)
	if err != nil {
		t.Fatalf("EncodeATT: %v", err)
	}
	for _, key := range []string{"yaw", "pitch", "roll"} {
		if strings.Contains(string(b), `"`+key+`"`) {
			t.Fatalf("%s should be omitted: %s", key, b)
		}
	}
	if !strings.Contains(string(b), `"heading":0`) {
		t.Fatalf("heading missing: %s", b)
	}
}

func TestSentence_Checksum(t *testing.T) {
	got := Sentence("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")
	want := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	if got != want {
		t.Fatalf("got=%q want %q", got, want)
	}
	if again := Sentence("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"); again != want {
		t.Fatalf("leading $ not tolerated: %q", again)
	}
}
