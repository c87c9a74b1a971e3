package logfile

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

var testTime = time.Date(2021, 4, 13, 5, 35, 0, 123, time.FixedZone("", 3600))

const testHeader = "2021-04-13T05:35:00.000000123+01:00 stdout "

func newTestWriter(t *testing.T, maxSize int64) *Writer {
	t.Helper()

	w, err := Open(filepath.Join(t.TempDir(), "ctr.log"), maxSize)
	if err != nil {
		t.Fatal("failed to open log:", err)
	}
	w.Now = func() time.Time { return testTime }
	t.Cleanup(func() { w.Close() })

	return w
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal("failed to read log:", err)
	}
	return string(b)
}

func TestWriter(t *testing.T) {
	t.Run("full and partial", func(t *testing.T) {
		w := newTestWriter(t, 0)

		if err := w.Write(Stdout, []byte("hello\nworld")); err != nil {
			t.Fatal("write failed:", err)
		}

		expect := testHeader + "F hello\n" + testHeader + "P world\n"
		if got := readFile(t, w.Path()); got != expect {
			t.Fatalf("unexpected log:\n%q\nexpected:\n%q", got, expect)
		}

		if w.Written() != int64(len(expect)) {
			t.Fatalf("written %d, expected %d", w.Written(), len(expect))
		}
	})

	t.Run("stream name", func(t *testing.T) {
		w := newTestWriter(t, 0)

		if err := w.Write(Stderr, []byte("oops\n")); err != nil {
			t.Fatal("write failed:", err)
		}

		expect := "2021-04-13T05:35:00.000000123+01:00 stderr F oops\n"
		if got := readFile(t, w.Path()); got != expect {
			t.Fatalf("unexpected log %q", got)
		}
	})

	t.Run("rotation", func(t *testing.T) {
		w := newTestWriter(t, 100)

		var rotated int
		w.OnRotate = func(string) { rotated++ }

		record := testHeader + "F a\n"

		for i := 0; i < 3; i++ {
			if err := w.Write(Stdout, []byte("a\n")); err != nil {
				t.Fatal("write failed:", err)
			}
			if i < 2 && rotated != 0 {
				t.Fatalf("rotated early at write %d", i+1)
			}
		}

		if rotated != 1 {
			t.Fatalf("rotated %d times, expected 1", rotated)
		}
		if got := readFile(t, w.Path()); got != record {
			t.Fatalf("rotated log holds %q, expected a single record", got)
		}
		if w.Written() != int64(len(record)) {
			t.Fatalf("written %d, expected %d", w.Written(), len(record))
		}
	})

	t.Run("rotation inside a chunk", func(t *testing.T) {
		w := newTestWriter(t, 100)

		// Each record is 47 bytes, so the third one lands in a new file.
		if err := w.Write(Stdout, []byte("a\nb\nc\n")); err != nil {
			t.Fatal("write failed:", err)
		}

		expect := testHeader + "F c\n"
		if got := readFile(t, w.Path()); got != expect {
			t.Fatalf("unexpected log after rotation %q", got)
		}
	})

	t.Run("reopen", func(t *testing.T) {
		w := newTestWriter(t, 0)

		if err := w.Write(Stdout, []byte("one\n")); err != nil {
			t.Fatal("write failed:", err)
		}

		moved := w.Path() + ".1"
		if err := os.Rename(w.Path(), moved); err != nil {
			t.Fatal("failed to move log:", err)
		}

		if err := w.Reopen(); err != nil {
			t.Fatal("reopen failed:", err)
		}
		if err := w.Write(Stdout, []byte("two\n")); err != nil {
			t.Fatal("write failed:", err)
		}

		if got := readFile(t, w.Path()); got != testHeader+"F two\n" {
			t.Fatalf("unexpected reopened log %q", got)
		}
		if got := readFile(t, moved); got != testHeader+"F one\n" {
			t.Fatalf("unexpected moved log %q", got)
		}
	})
}

// splitRecords splits a log file into its records, keeping the newlines.
func splitRecords(b []byte) [][]byte {
	lines := bytes.SplitAfter(b, newline)
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func TestWriterRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	alphabet := []byte("abc \t\n\r")

	input := make([]byte, 64*1024)
	for i := range input {
		input[i] = alphabet[rng.Intn(len(alphabet))]
	}

	w := newTestWriter(t, 0)

	for p := input; len(p) > 0; {
		n := 1 + rng.Intn(300)
		if n > len(p) {
			n = len(p)
		}
		if err := w.Write(Stdout, p[:n]); err != nil {
			t.Fatal("write failed:", err)
		}
		p = p[n:]
	}

	b, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatal("failed to read log:", err)
	}

	var output []byte

	// Records end at \n only; a \r in the payload belongs to it.
	for _, line := range splitRecords(b) {
		r, err := ParseRecord(line)
		if err != nil {
			t.Fatalf("failed to parse %q: %v", line, err)
		}
		if !r.Time.Equal(testTime) {
			t.Fatalf("unexpected time %v", r.Time)
		}
		output = append(output, r.Payload...)
	}

	if !bytes.Contains(output, []byte("\r\n")) {
		t.Fatal("input has no CRLF")
	}

	if !bytes.Equal(input, output) {
		t.Fatal("reassembled output differs from input")
	}
}

func TestTail(t *testing.T) {
	w := newTestWriter(t, 0)

	writes := []struct {
		stream Stream
		data   string
	}{
		{Stdout, "first\n"},
		{Stdout, "sec"},
		{Stderr, "error\n"},
		{Stdout, "ond\nthird\n"},
		{Stdout, "unfinished"},
	}

	for _, write := range writes {
		if err := w.Write(write.stream, []byte(write.data)); err != nil {
			t.Fatal("write failed:", err)
		}
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatal("failed to open log:", err)
	}
	defer f.Close()

	lines, err := Tail(f, 3)
	if err != nil {
		t.Fatal("tail failed:", err)
	}

	expect := []Line{
		{Stream: "stdout", Data: []byte("second\n"), Complete: true},
		{Stream: "stdout", Data: []byte("third\n"), Complete: true},
		{Stream: "stdout", Data: []byte("unfinished"), Complete: false},
	}

	if len(lines) != len(expect) {
		t.Fatalf("got %d lines, expected %d: %+v", len(lines), len(expect), lines)
	}
	for i := range expect {
		if lines[i].Stream != expect[i].Stream ||
			!bytes.Equal(lines[i].Data, expect[i].Data) ||
			lines[i].Complete != expect[i].Complete {

			t.Errorf("line %d is %+v, expected %+v", i, lines[i], expect[i])
		}
	}
}

func TestVector(t *testing.T) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		t.Fatal("failed to create pipe:", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	v := NewVector(p[1])

	var expect []byte
	for i := 0; i < maxSegments+10; i++ {
		seg := []byte{byte('a' + i%26)}
		expect = append(expect, seg...)
		if err := v.Append(seg); err != nil {
			t.Fatal("append failed:", err)
		}
	}

	if v.Len() != 10 {
		t.Fatalf("expected a flush at %d segments, %d pending", maxSegments, v.Len())
	}
	if _, err := v.Flush(); err != nil {
		t.Fatal("flush failed:", err)
	}

	got := make([]byte, len(expect))
	var read int
	for read < len(got) {
		n, err := unix.Read(p[0], got[read:])
		if err != nil {
			t.Fatal("read failed:", err)
		}
		read += n
	}

	if !bytes.Equal(got, expect) {
		t.Fatal("pipe content differs from appended segments")
	}
}

func TestWriteAllTimeout(t *testing.T) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatal("failed to create pipe:", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	// Nobody reads, so the pipe fills up.
	chunk := make([]byte, 4096)
	start := time.Now()

	var err error
	for i := 0; i < 1024 && err == nil; i++ {
		err = WriteAllTimeout(p[1], chunk, 20*time.Millisecond)
	}

	if err != ErrWriteTimeout {
		t.Fatalf("expected ErrWriteTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("write took %v", elapsed)
	}

	// Once drained, writes go through again.
	var buf [4096]byte
	if _, err := unix.Read(p[0], buf[:]); err != nil {
		t.Fatal("read failed:", err)
	}
	if err := WriteAllTimeout(p[1], []byte("x"), 20*time.Millisecond); err != nil {
		t.Fatal("write after drain failed:", err)
	}
}
