// Package replay records forwarded gpsd lines and plays them back.
//
// Capture format, one entry per line:
//
//	# comment          ignored, as are blank lines
//	START              resets the time origin
//	<t_ns>,<line>      t_ns is nanoseconds since START, line is the
//	                   forwarded text without its newline
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrWriterClosed = errors.New("replay: writer is closed")

// Record is one captured line. A START marker has a nil Line.
type Record struct {
	At   time.Duration
	Line []byte
}

func (r Record) IsStart() bool { return r.Line == nil }

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	n := 0
	for s.Scan() {
		n++
		raw := strings.TrimRight(s.Text(), "\r")
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}

		comma := strings.IndexByte(line, ',')
		if comma < 0 {
			return nil, fmt.Errorf("replay: line %d: missing comma", n)
		}
		tsStr := line[:comma]
		payload := line[comma+1:]
		if tsStr == "" || payload == "" {
			return nil, fmt.Errorf("replay: line %d: empty field", n)
		}
		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: invalid timestamp %q: %w", n, tsStr, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("replay: line %d: negative timestamp %d", n, tsNs)
		}
		recs = append(recs, Record{At: time.Duration(tsNs), Line: []byte(payload)})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadFile loads a capture from disk.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer appends forwarded lines to a capture file. It is safe for
// concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      io.WriteCloser
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, time.Now())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter writes a START marker to wc; entries are timed from start.
func NewWriter(wc io.WriteCloser, start time.Time) (*Writer, error) {
	bw := bufio.NewWriterSize(wc, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		return nil, err
	}
	return &Writer{f: wc, w: bw, start: start}, nil
}

// WriteLine records one forwarded line. A trailing newline is dropped;
// embedded newlines are rejected.
func (ww *Writer) WriteLine(now time.Time, line []byte) error {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return errors.New("replay: empty line")
	}
	if bytes.IndexByte(line, '\n') >= 0 {
		return errors.New("replay: line contains a newline")
	}

	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return ErrWriterClosed
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	ww.w.WriteString(strconv.FormatInt(d.Nanoseconds(), 10))
	ww.w.WriteByte(',')
	ww.w.Write(line)
	return ww.w.WriteByte('\n')
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play hands each captured line to cb with the original spacing. START
// markers reset the origin.
//
// speed: 1.0 = real time, 2.0 = half the waits, 0.5 = double.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(line []byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("replay: speed must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("replay: callback is nil")
	}
	lines := 0
	for _, r := range records {
		if !r.IsStart() {
			lines++
		}
	}
	if lines == 0 {
		return errors.New("replay: no records")
	}

	for {
		var origin, lastAt time.Duration
		haveLast := false

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.IsStart() {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				wait := time.Duration(float64(at-lastAt) / speed)
				if wait > 0 {
					if err := sleeper.Sleep(ctx, wait); err != nil {
						return err
					}
				}
			}
			if err := cb(r.Line); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}
