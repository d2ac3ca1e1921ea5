package gpsd

import (
	"encoding/json"
	"fmt"
	"time"

	"gpsd-forwarder/internal/attitude"
)

// Device is the value of the "device" field on every ATT report.
const Device = "ANDROID"

// ATT is the JSON body of an attitude report. Field order is part of the
// wire format; do not reorder.
type ATT struct {
	Class   string  `json:"class"`
	Device  string  `json:"device"`
	Time    float64 `json:"time"`
	TimeTag float64 `json:"timeTag"`

	AccX float64 `json:"acc_x"`
	AccY float64 `json:"acc_y"`
	AccZ float64 `json:"acc_z"`

	GyroX float64 `json:"gyro_x"`
	GyroY float64 `json:"gyro_y"`
	GyroZ float64 `json:"gyro_z"`

	MagX float64 `json:"mag_x"`
	MagY float64 `json:"mag_y"`
	MagZ float64 `json:"mag_z"`

	Heading float64 `json:"heading"`

	// Present only when the orientation could be computed.
	Yaw   *float64 `json:"yaw,omitempty"`
	Pitch *float64 `json:"pitch,omitempty"`
	Roll  *float64 `json:"roll,omitempty"`
}

// UnixSeconds converts t to fractional seconds since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// NewATT maps a fused record onto the wire struct.
func NewATT(rec attitude.Record) ATT {
	ts := UnixSeconds(rec.Time)
	att := ATT{
		Class:   "ATT",
		Device:  Device,
		Time:    ts,
		TimeTag: ts,
		AccX:    rec.Acc[0],
		AccY:    rec.Acc[1],
		AccZ:    rec.Acc[2],
		GyroX:   rec.Gyro[0],
		GyroY:   rec.Gyro[1],
		GyroZ:   rec.Gyro[2],
		MagX:    rec.Mag[0],
		MagY:    rec.Mag[1],
		MagZ:    rec.Mag[2],
		Heading: rec.Heading,
	}
	if o := rec.Orientation; o != nil {
		yaw, pitch, roll := o.Yaw, o.Pitch, o.Roll
		att.Yaw = &yaw
		att.Pitch = &pitch
		att.Roll = &roll
	}
	return att
}

// EncodeATT serializes rec as a single-line ATT JSON object with no trailing
// newline.
func EncodeATT(rec attitude.Record) ([]byte, error) {
	b, err := json.Marshal(NewATT(rec))
	if err != nil {
		return nil, fmt.Errorf("gpsd: encode ATT: %w", err)
	}
	return b, nil
}

// ATTMessage encodes rec and wraps it as a Message.
func ATTMessage(rec attitude.Record) (Message, error) {
	b, err := EncodeATT(rec)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindATT, Payload: b, Received: rec.Time}, nil
}
