package gps

import (
	"fmt"
	"io"

	"github.com/jacobsa/go-serial/serial"
)

// openSerial opens path as a raw 8N1 port. Reads return as soon as one byte
// is there, or after a second of silence.
func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	switch baud {
	case 4800, 9600, 19200, 38400, 57600, 115200:
	default:
		return nil, fmt.Errorf("gps: unsupported baud %d", baud)
	}
	port, err := serial.Open(serial.OpenOptions{
		PortName:              path,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		MinimumReadSize:       1,
		InterCharacterTimeout: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("gps: open %s: %w", path, err)
	}
	return port, nil
}
