package status

import (
	"strings"
	"sync"
	"time"
)

// Line is one entry held by a Buffer.
type Line struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Buffer keeps the most recent status lines in memory and fans new lines out
// to subscribers. It is both a Sink and an io.Writer, so process logs can be
// teed into it next to status text.
type Buffer struct {
	mu      sync.Mutex
	max     int
	lines   []Line
	partial string
	dropped uint64

	subs   map[int]chan Line
	nextID int

	now func() time.Time
}

// NewBuffer returns a Buffer holding at most maxLines lines.
func NewBuffer(maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &Buffer{max: maxLines, subs: make(map[int]chan Line), now: time.Now}
}

// Log appends msg as one line. Embedded newlines split it into several.
func (b *Buffer) Log(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range strings.Split(msg, "\n") {
		b.appendLocked(l)
	}
}

// Write implements io.Writer. Bytes after the last '\n' are held until the
// next Write completes the line.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.partial + string(p)
	b.partial = ""
	for {
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.appendLocked(data[:i])
		data = data[i+1:]
	}
	b.partial = data
	return len(p), nil
}

func (b *Buffer) appendLocked(text string) {
	text = strings.TrimRight(text, "\r")
	if text == "" {
		return
	}
	line := Line{Time: b.now().UTC(), Text: text}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		over := len(b.lines) - b.max
		b.lines = b.lines[over:]
		b.dropped += uint64(over)
	}
	for _, ch := range b.subs {
		// Slow subscribers miss lines instead of stalling the producer.
		select {
		case ch <- line:
		default:
		}
	}
}

// Snapshot returns up to tail of the newest lines and the number of lines
// evicted so far.
func (b *Buffer) Snapshot(tail int) (lines []Line, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped = b.dropped
	if tail <= 0 {
		tail = 200
	}
	if tail > len(b.lines) {
		tail = len(b.lines)
	}
	start := len(b.lines) - tail
	lines = append([]Line(nil), b.lines[start:]...)
	return lines, dropped
}

// Subscribe registers for lines appended from now on.
func (b *Buffer) Subscribe(buffer int) (int, <-chan Line) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Line, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Buffer) Unsubscribe(id int) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}
