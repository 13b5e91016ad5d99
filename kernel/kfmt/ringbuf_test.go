package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestBootLog(t *testing.T) {
	expStr := "[kmain] module init started as task 1\n"

	t.Run("read/write", func(t *testing.T) {
		var l bootLog
		n, err := l.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) || l.Len() != len(expStr) {
			t.Fatalf("expected to buffer %d bytes; wrote %d, buffered %d", len(expStr), n, l.Len())
		}

		if got := readByteByByte(&l); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}

		if l.Len() != 0 {
			t.Fatalf("expected log to be empty after reading; got %d bytes", l.Len())
		}
	})

	t.Run("wrapped contents", func(t *testing.T) {
		var l bootLog
		l.head = bootLogSize - 4

		_, _ = l.Write([]byte(expStr))

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, &l); err != nil {
			t.Fatal(err)
		}

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps most recent bytes", func(t *testing.T) {
		var l bootLog
		_, _ = l.Write([]byte(strings.Repeat("x", bootLogSize)))
		_, _ = l.Write([]byte(expStr))

		if exp := len(expStr); l.Dropped() != exp {
			t.Fatalf("expected %d dropped bytes; got %d", exp, l.Dropped())
		}

		if l.Len() != bootLogSize {
			t.Fatalf("expected log to hold %d bytes; got %d", bootLogSize, l.Len())
		}

		var buf bytes.Buffer
		_, _ = io.Copy(&buf, &l)
		if got := buf.String(); !strings.HasSuffix(got, expStr) || len(got) != bootLogSize {
			t.Fatalf("expected the last %d bytes to end with %q; got %d bytes", bootLogSize, expStr, len(got))
		}
	})

	t.Run("reset", func(t *testing.T) {
		var l bootLog
		_, _ = l.Write([]byte(strings.Repeat("x", bootLogSize+1)))
		l.reset()

		if l.Len() != 0 || l.Dropped() != 0 {
			t.Fatalf("expected empty log after reset; got len %d, dropped %d", l.Len(), l.Dropped())
		}
	})
}

func readByteByByte(r io.Reader) string {
	var (
		buf bytes.Buffer
		b   = make([]byte, 1)
	)
	for {
		if _, err := r.Read(b); err == io.EOF {
			break
		}

		buf.Write(b)
	}
	return buf.String()
}
