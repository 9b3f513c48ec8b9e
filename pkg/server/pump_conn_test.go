package server

import (
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"
)

// chunkSource feeds a pumpReader from a channel
func chunkSource(chunks <-chan []byte) func() ([]byte, error) {
	return func() ([]byte, error) {
		chunk, ok := <-chunks
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	}
}

func TestPumpReaderDeadline(t *testing.T) {
	chunks := make(chan []byte)
	p := newPumpReader(chunkSource(chunks))
	defer p.stop()

	p.SetReadDeadline(time.Now().Add(30 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := p.Read(buf); !errors.Is(err, os.ErrDeadlineExceeded) || !isTimeout(err) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	// The reader keeps working after a timeout
	p.SetReadDeadline(time.Time{})
	go func() { chunks <- []byte("hello\n") }()
	n, err := p.Read(buf)
	if err != nil || string(buf[:n]) != "hello\n" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
}

func TestPumpReaderPastDeadline(t *testing.T) {
	p := newPumpReader(chunkSource(make(chan []byte)))
	defer p.stop()

	p.SetReadDeadline(time.Now().Add(-time.Second))
	if _, err := p.Read(make([]byte, 4)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestPumpReaderSplitsLargeChunks(t *testing.T) {
	chunks := make(chan []byte, 1)
	chunks <- []byte("abcdefgh")
	close(chunks)

	p := newPumpReader(chunkSource(chunks))
	defer p.stop()

	var got []byte
	buf := make([]byte, 3)
	for {
		n, err := p.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}
	if string(got) != "abcdefgh" {
		t.Fatalf("got %q", got)
	}

	// EOF is sticky
	if _, err := p.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF again, got %v", err)
	}
}

func TestPumpReaderStop(t *testing.T) {
	p := newPumpReader(chunkSource(make(chan []byte)))

	done := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 4))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.stop()
	p.stop()

	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("expected net.ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not unblock Read")
	}
}
