package task

import (
	"sync"
)

// lineBuffer is a thread-safe, append-only sequence of captured output lines
// with a bounded retention window. Old lines are evicted once the cap is
// exceeded, but offsets stay absolute: line indexes keep counting past
// eviction, so a reader holding an old offset never sees a line twice or out
// of order.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
	start int // absolute index of lines[0]; grows as old lines are evicted
}

func newLineBuffer(maxLines int) *lineBuffer {
	return &lineBuffer{
		lines: make([]string, 0, min(maxLines, 256)),
		max:   maxLines,
	}
}

// Append adds one line to the end of the buffer. Thread-safe.
func (lb *lineBuffer) Append(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, line)
	if len(lb.lines) > lb.max {
		drop := len(lb.lines) - lb.max
		lb.lines = lb.lines[drop:]
		lb.start += drop
	}
}

// Len returns the total number of lines ever appended, including evicted ones.
func (lb *lineBuffer) Len() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.start + len(lb.lines)
}

// ReadFrom returns a copy of all lines at absolute positions >= offset, in
// original order. A negative offset reads from the beginning; an offset at or
// past the end returns an empty slice. If offset points at evicted lines,
// reading starts from the oldest retained line.
func (lb *lineBuffer) ReadFrom(offset int) []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	local := offset - lb.start
	if local < 0 {
		local = 0
	}
	if local >= len(lb.lines) {
		return nil
	}
	out := make([]string, len(lb.lines)-local)
	copy(out, lb.lines[local:])
	return out
}
