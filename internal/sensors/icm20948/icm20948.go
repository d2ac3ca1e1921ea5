// Package icm20948 drives an ICM-20948 9-axis IMU over I2C: accelerometer
// and gyroscope on the main die, magnetometer on the embedded AK09916
// reached through I2C bypass.
//
// Readings are converted to the units motion-sensor consumers expect: m/s²,
// rad/s and µT, all in the accelerometer's axis frame.
package icm20948

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gpsd-forwarder/internal/i2c"
)

var sleep = time.Sleep

// StandardGravity converts g to m/s².
const StandardGravity = 9.80665

const (
	addrDefault = 0x68
	addrMag     = 0x0C

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntPinCfg  = 0x0F
	bitBypassEn   = 0x02
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D // accel then gyro, 12 bytes

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	fsGyro250dps = 0x00
	fsAccel4g    = 0x02

	// AK09916.
	magRegWIA2   = 0x01
	magWIA2Val   = 0x09
	magRegST1    = 0x10
	magRegHXL    = 0x11
	magRegCNTL2  = 0x31
	magRegCNTL3  = 0x32
	magMode100Hz = 0x08
	magBitDRDY   = 0x01
	magBitHOFL   = 0x08
	magScaleUT   = 0.15
)

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

// Device is safe for concurrent use; reads are serialized.
type Device struct {
	mu  sync.Mutex
	dev regIO
	mag regIO

	curBank    byte
	scaleAccel float64
	scaleGyro  float64
	lastMag    [3]float64
	haveMag    bool
}

func DefaultAddress() uint16 { return addrDefault }

// New probes and configures the IMU at addr on bus. When the AK09916
// does not answer, the device still works without a magnetometer.
func New(bus *i2c.Bus, addr uint16) (*Device, error) {
	if bus == nil {
		return nil, fmt.Errorf("icm20948: bus is nil")
	}
	return newWithIO(bus.Dev(addr), bus.Dev(addrMag))
}

func newWithIO(dev, mag regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	if mag != nil && d.initMag(mag) == nil {
		d.mag = mag
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	// CLKSEL=1: best available clock.
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// Bypass puts the AK09916 directly on the host bus.
	if err := d.dev.WriteReg(regIntPinCfg, bitBypassEn); err != nil {
		return fmt.Errorf("icm20948: bypass enable failed: %w", err)
	}

	if err := d.setBank(bank2); err != nil {
		return err
	}
	// ODR = 1125/(div+1); 102 Hz keeps up with the game rate.
	div := byte(1125/100 - 1)
	_ = d.dev.WriteReg(regGyroSmplrt, div)
	_ = d.dev.WriteReg(regAccelSmplrt2, div)
	if err := d.dev.WriteReg(regGyroConfig, fsGyro250dps); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel4g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = 4.0 / 32768.0 * StandardGravity
	d.scaleGyro = 250.0 / 32768.0 * math.Pi / 180
	return nil
}

func (d *Device) initMag(mag regIO) error {
	who, err := mag.ReadRegU8(magRegWIA2)
	if err != nil {
		return err
	}
	if who != magWIA2Val {
		return fmt.Errorf("icm20948: ak09916 wia2=0x%02X", who)
	}
	if err := mag.WriteReg(magRegCNTL3, 0x01); err != nil {
		return err
	}
	sleep(10 * time.Millisecond)
	return mag.WriteReg(magRegCNTL2, magMode100Hz)
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// HasMag reports whether the magnetometer answered at probe time.
func (d *Device) HasMag() bool { return d.mag != nil }

// ReadMotion returns accel (m/s²) and gyro (rad/s).
func (d *Device) ReadMotion() (acc, gyro [3]float64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setBank(0); err != nil {
		return acc, gyro, err
	}
	var buf [12]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return acc, gyro, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}
	for i := 0; i < 3; i++ {
		acc[i] = float64(int16(buf[2*i])<<8|int16(buf[2*i+1])) * d.scaleAccel
		gyro[i] = float64(int16(buf[6+2*i])<<8|int16(buf[6+2*i+1])) * d.scaleGyro
	}
	return acc, gyro, nil
}

// ReadMag returns the field in µT, rotated into the accelerometer frame.
// When no new sample is ready the previous one is returned.
func (d *Device) ReadMag() ([3]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mag == nil {
		return [3]float64{}, fmt.Errorf("icm20948: no magnetometer")
	}
	st1, err := d.mag.ReadRegU8(magRegST1)
	if err != nil {
		return [3]float64{}, fmt.Errorf("icm20948: mag status failed: %w", err)
	}
	if st1&magBitDRDY == 0 {
		if d.haveMag {
			return d.lastMag, nil
		}
		return [3]float64{}, fmt.Errorf("icm20948: mag not ready")
	}
	// HXL..HZH then a dummy byte and ST2; reading ST2 releases the latch.
	var buf [8]byte
	if err := d.mag.ReadReg(magRegHXL, buf[:]); err != nil {
		return [3]float64{}, fmt.Errorf("icm20948: mag read failed: %w", err)
	}
	if buf[7]&magBitHOFL != 0 {
		return d.lastMag, fmt.Errorf("icm20948: mag overflow")
	}
	x := float64(int16(buf[1])<<8|int16(buf[0])) * magScaleUT
	y := float64(int16(buf[3])<<8|int16(buf[2])) * magScaleUT
	z := float64(int16(buf[5])<<8|int16(buf[4])) * magScaleUT
	// AK09916 Y and Z point opposite to the accel/gyro die.
	d.lastMag = [3]float64{x, -y, -z}
	d.haveMag = true
	return d.lastMag, nil
}
