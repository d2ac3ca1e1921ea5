// Package i2c reads and writes registers of devices on an I2C bus.
package i2c

import (
	"errors"
	"fmt"
)

var (
	ErrClosed      = errors.New("i2c: bus is closed")
	ErrUnsupported = errors.New("i2c: unsupported OS (need linux)")
)

// OpenNumber opens /dev/i2c-<n>.
func OpenNumber(n int) (*Bus, error) {
	return Open(fmt.Sprintf("/dev/i2c-%d", n))
}

// Dev returns a handle for the device at a 7-bit address. Handles are cheap
// and share the bus lock.
func (b *Bus) Dev(addr uint16) *Dev {
	return &Dev{bus: b, addr: addr}
}

// Dev is one register-mapped device on a Bus.
type Dev struct {
	bus  *Bus
	addr uint16
}

// ReadReg fills dst starting at reg, using a repeated start between the
// register write and the read.
func (d *Dev) ReadReg(reg byte, dst []byte) error {
	return d.do([]byte{reg}, dst)
}

func (d *Dev) ReadRegU8(reg byte) (byte, error) {
	var b [1]byte
	if err := d.ReadReg(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Dev) WriteReg(reg, value byte) error {
	return d.do([]byte{reg, value}, nil)
}

func (d *Dev) do(w, r []byte) error {
	if d == nil || d.bus == nil {
		return errors.New("i2c: device is nil")
	}
	if d.addr == 0 || d.addr > 0x7F {
		return fmt.Errorf("i2c: invalid addr 0x%X", d.addr)
	}
	if len(w) == 0 && len(r) == 0 {
		return nil
	}
	if err := d.bus.transfer(d.addr, w, r); err != nil {
		return fmt.Errorf("i2c: 0x%02X: %w", d.addr, err)
	}
	return nil
}
