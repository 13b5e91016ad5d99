package kfmt

import "io"

// bootLogSize is the capacity of the buffer that holds Printf output until an
// output sink is registered. It must be a power of 2.
const bootLogSize = 4096

// bootLog is a fixed-size ring that keeps the most recent bootLogSize bytes
// of early Printf output. Older bytes are overwritten and counted as dropped.
type bootLog struct {
	data    [bootLogSize]byte
	head    int
	count   int
	dropped int
}

// Len returns the number of buffered bytes.
func (l *bootLog) Len() int { return l.count }

// Dropped returns the number of bytes that were overwritten before they could
// be read.
func (l *bootLog) Dropped() int { return l.dropped }

// Write appends p to the log, overwriting the oldest bytes when full.
func (l *bootLog) Write(p []byte) (int, error) {
	for _, b := range p {
		l.data[(l.head+l.count)&(bootLogSize-1)] = b
		if l.count == bootLogSize {
			l.head = (l.head + 1) & (bootLogSize - 1)
			l.dropped++
			continue
		}
		l.count++
	}

	return len(p), nil
}

// Read moves up to len(p) of the oldest buffered bytes into p. It returns
// io.EOF once the log is empty.
func (l *bootLog) Read(p []byte) (int, error) {
	if l.count == 0 {
		return 0, io.EOF
	}

	// Copy the contiguous run starting at head; a wrapped log needs a second
	// call to return the rest.
	n := bootLogSize - l.head
	if n > l.count {
		n = l.count
	}
	if n > len(p) {
		n = len(p)
	}

	copy(p, l.data[l.head:l.head+n])
	l.head = (l.head + n) & (bootLogSize - 1)
	l.count -= n
	return n, nil
}

// reset discards the buffered contents and the dropped byte counter.
func (l *bootLog) reset() {
	l.head, l.count, l.dropped = 0, 0, 0
}
