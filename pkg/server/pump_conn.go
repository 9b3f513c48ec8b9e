package server

import (
	"net"
	"os"
	"sync"
	"time"
)

type readResult struct {
	data []byte
	err  error
}

// pumpReader adds read deadlines to sources that have none (SSH channels) or
// that break after one fires (WebSocket). A goroutine pulls chunks from the
// source; Read waits for a chunk, the deadline or stop.
//
// Read must only be called from one goroutine.
type pumpReader struct {
	results  chan readResult
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex // protects deadline
	deadline time.Time

	rest []byte
	err  error // sticky once the source fails
}

// newPumpReader starts pulling from next until it returns an error or the
// reader is stopped
func newPumpReader(next func() ([]byte, error)) *pumpReader {
	p := &pumpReader{
		results: make(chan readResult),
		done:    make(chan struct{}),
	}
	go p.pump(next)
	return p
}

func (p *pumpReader) pump(next func() ([]byte, error)) {
	for {
		data, err := next()
		if len(data) > 0 || err != nil {
			select {
			case p.results <- readResult{data: data, err: err}:
			case <-p.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *pumpReader) Read(b []byte) (int, error) {
	if len(p.rest) > 0 {
		n := copy(b, p.rest)
		p.rest = p.rest[n:]
		return n, nil
	}
	if p.err != nil {
		return 0, p.err
	}

	p.mu.Lock()
	deadline := p.deadline
	p.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-p.results:
		if r.err != nil {
			p.err = r.err
		}
		n := copy(b, r.data)
		p.rest = r.data[n:]
		if n == 0 && r.err != nil {
			return 0, r.err
		}
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-p.done:
		return 0, net.ErrClosed
	}
}

// SetReadDeadline applies to the next Read. A zero value means no deadline.
func (p *pumpReader) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
	return nil
}

// stop unblocks Read and lets the pump goroutine exit once its source returns
func (p *pumpReader) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}
