// Package source subscribes to a device's location, NMEA and motion-sensor
// callbacks and turns them into NMEA sentences and fused attitude records.
package source

import (
	"errors"
	"time"

	"gpsd-forwarder/internal/attitude"
)

// GPSProvider is the only location provider the adapter subscribes to.
const GPSProvider = "gps"

// ModernNMEAAPILevel is the first platform API level with the
// (message, timestamp) NMEA listener.
const ModernNMEAAPILevel = 24

var (
	// ErrPermissionDenied is returned by a LocationManager when the process
	// may not read the location provider.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrProviderUnavailable is returned by a LocationManager when the
	// provider does not exist on this device.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// ProviderStatus is a location provider's availability.
type ProviderStatus int

const (
	OutOfService ProviderStatus = iota
	TemporarilyUnavailable
	Available
)

func (s ProviderStatus) String() string {
	switch s {
	case OutOfService:
		return "Out of service"
	case TemporarilyUnavailable:
		return "Temporarily unavailable"
	case Available:
		return "Available"
	default:
		return "Unknown"
	}
}

// Location is a position fix. The adapter does not forward it; positions
// reach the server as NMEA.
type Location struct {
	Provider  string
	Latitude  float64
	Longitude float64
	Altitude  float64
	Time      time.Time
}

// LocationListener receives provider callbacks. Satellites is -1 when the
// platform did not report a count.
type LocationListener interface {
	OnLocationChanged(loc Location)
	OnStatusChanged(provider string, status ProviderStatus, satellites int)
	OnProviderEnabled(provider string)
	OnProviderDisabled(provider string)
}

// NmeaMessageListener is the modern NMEA callback: message first.
type NmeaMessageListener interface {
	OnNmeaMessage(message string, timestamp time.Time)
}

// LegacyNmeaListener is the older NMEA callback: timestamp (Unix millis)
// first.
type LegacyNmeaListener interface {
	OnNmeaReceived(timestampMillis int64, nmea string)
}

// LocationManager is the platform's location service.
type LocationManager interface {
	APILevel() int
	RequestLocationUpdates(provider string, l LocationListener) error
	RemoveUpdates(l LocationListener)
}

// NmeaMessageRegistrar is implemented by location managers at API level
// ModernNMEAAPILevel and above.
type NmeaMessageRegistrar interface {
	AddNmeaMessageListener(l NmeaMessageListener) error
	RemoveNmeaMessageListener(l NmeaMessageListener)
}

// LegacyNmeaRegistrar is the pre-24 registration API. Removal can fail.
type LegacyNmeaRegistrar interface {
	AddNmeaListener(l LegacyNmeaListener) error
	RemoveNmeaListener(l LegacyNmeaListener) error
}

// Sensor is one hardware motion sensor.
type Sensor interface {
	Axis() attitude.Axis
	Name() string
}

// SensorEvent is one reading. Values normally holds three components;
// platforms may append more (accuracy, uncalibrated bias) and those are
// ignored.
type SensorEvent struct {
	Sensor Sensor
	Values []float64
	Time   time.Time
}

// SensorListener receives readings from every sensor it is registered with.
type SensorListener interface {
	OnSensorChanged(ev SensorEvent)
}

// SensorManager is the platform's motion-sensor service.
type SensorManager interface {
	// DefaultSensor returns nil when the device has no sensor for axis.
	DefaultSensor(axis attitude.Axis) Sensor
	RegisterListener(l SensorListener, s Sensor, periodUs int) error
	// UnregisterListener removes l from every sensor.
	UnregisterListener(l SensorListener)
}

// Platform bundles the services a session reads from. Sensors may be nil.
type Platform struct {
	Location LocationManager
	Sensors  SensorManager
}
