//go:build linux

package i2c

import (
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Values from linux/i2c.h and linux/i2c-dev.h.
const (
	flagRead  = 0x0001
	ioctlRdwr = 0x0707
)

// segment mirrors struct i2c_msg.
type segment struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

// rdwrArgs mirrors struct i2c_rdwr_ioctl_data.
type rdwrArgs struct {
	segs  uintptr
	nsegs uint32
}

// Bus is an open /dev/i2c-N character device. Transfers are serialized, so
// devices on it may be polled from several goroutines.
type Bus struct {
	mu   sync.Mutex
	fd   int
	path string
}

func Open(path string) (*Bus, error) {
	path = filepath.Clean(path)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &pathError{op: "open", path: path, err: err}
	}
	return &Bus{fd: fd, path: path}, nil
}

// Close is idempotent.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// transfer issues w then r as one I2C_RDWR call.
func (b *Bus) transfer(addr uint16, w, r []byte) error {
	segs := make([]segment, 0, 2)
	if len(w) > 0 {
		segs = append(segs, segment{addr: addr, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))})
	}
	if len(r) > 0 {
		segs = append(segs, segment{addr: addr, flags: flagRead, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return ErrClosed
	}
	args := rdwrArgs{segs: uintptr(unsafe.Pointer(&segs[0])), nsegs: uint32(len(segs))}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), ioctlRdwr, uintptr(unsafe.Pointer(&args))); errno != 0 {
		return errno
	}
	return nil
}

type pathError struct {
	op, path string
	err      error
}

func (e *pathError) Error() string { return "i2c: " + e.op + " " + e.path + ": " + e.err.Error() }
func (e *pathError) Unwrap() error { return e.err }
