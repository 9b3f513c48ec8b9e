package database

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingBackend captures batches and can be told to fail
type recordingBackend struct {
	mu      sync.Mutex
	batches [][]*Message
	fail    error
	closed  bool
}

func (r *recordingBackend) InsertMessages(msgs []*Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, msgs)
	return nil
}

func (r *recordingBackend) ListConversation(a, b string, limit int) ([]*Message, error) {
	return nil, nil
}

func (r *recordingBackend) ListForNickname(nickname string, limit int) ([]*Message, error) {
	return nil, nil
}

func (r *recordingBackend) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recordingBackend) all() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func TestWriteBufferAssignsIDsAndTimestamps(t *testing.T) {
	backend := &recordingBackend{}
	wb := NewWriteBuffer(backend, 5*time.Millisecond)
	defer wb.Close()

	first := &Message{Sender: "alice", Receiver: "bob", Body: "one"}
	if err := wb.AppendMessage(first); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	second := &Message{Sender: "alice", Receiver: "bob", Body: "two", CreatedAt: 42}
	if err := wb.AppendMessage(second); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	if first.ID == 0 || second.ID <= first.ID {
		t.Fatalf("IDs must be assigned and increasing: %d, %d", first.ID, second.ID)
	}
	if first.CreatedAt == 0 {
		t.Fatal("CreatedAt should default to the ID's timestamp")
	}
	if second.CreatedAt != 42 {
		t.Fatalf("explicit CreatedAt overwritten: %d", second.CreatedAt)
	}
}

func TestWriteBufferPreservesOrderAcrossBatch(t *testing.T) {
	backend := &recordingBackend{}
	wb := NewWriteBuffer(backend, 50*time.Millisecond)

	// Sequential appends from one sender, each waits for its flush
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			if err := wb.AppendMessage(&Message{Sender: "alice", Receiver: "bob", Body: fmt.Sprint(i)}); err != nil {
				t.Errorf("AppendMessage %d failed: %v", i, err)
			}
		}
	}()
	wg.Wait()
	wb.Close()

	msgs := backend.all()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Body != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: %q", i, m.Body)
		}
		if i > 0 && m.ID <= msgs[i-1].ID {
			t.Fatalf("IDs not increasing at %d", i)
		}
	}
}

func TestWriteBufferBatchesConcurrentAppends(t *testing.T) {
	backend := &recordingBackend{}
	wb := NewWriteBuffer(backend, time.Hour)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := wb.AppendMessage(&Message{Sender: "bot", Receiver: "bot", Body: fmt.Sprint(i)}); err != nil {
				t.Errorf("AppendMessage failed: %v", err)
			}
		}(i)
	}

	// Wait until everything is queued, then flush once
	deadline := time.Now().Add(2 * time.Second)
	for {
		wb.mu.Lock()
		queued := len(wb.pending)
		wb.mu.Unlock()
		if queued == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d appends queued", queued, n)
		}
		time.Sleep(time.Millisecond)
	}
	wb.Flush()
	wg.Wait()

	backend.mu.Lock()
	batches := len(backend.batches)
	backend.mu.Unlock()
	if batches != 1 {
		t.Fatalf("expected a single batch, got %d", batches)
	}
	wb.Close()
}

func TestWriteBufferPropagatesBackendError(t *testing.T) {
	boom := errors.New("disk full")
	backend := &recordingBackend{fail: boom}
	wb := NewWriteBuffer(backend, 5*time.Millisecond)
	defer wb.Close()

	err := wb.AppendMessage(&Message{Sender: "alice", Receiver: "bob", Body: "lost"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestWriteBufferClose(t *testing.T) {
	backend := &recordingBackend{}
	wb := NewWriteBuffer(backend, time.Hour)

	done := make(chan error, 1)
	go func() {
		done <- wb.AppendMessage(&Message{Sender: "alice", Receiver: "bob", Body: "queued"})
	}()

	// Wait for the append to be queued
	for {
		wb.mu.Lock()
		queued := len(wb.pending)
		wb.mu.Unlock()
		if queued == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := wb.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("queued append should be flushed on close, got %v", err)
	}
	if len(backend.all()) != 1 {
		t.Fatal("queued message not written on close")
	}
	if !backend.closed {
		t.Fatal("backend not closed")
	}

	if err := wb.AppendMessage(&Message{Sender: "alice", Receiver: "bob"}); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed after close, got %v", err)
	}
	if err := wb.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestWriteBufferOverSQLite(t *testing.T) {
	wb := NewWriteBuffer(newTestDB(t), 5*time.Millisecond)
	defer wb.Close()

	for _, body := range []string{"one", "two", "three"} {
		if err := wb.AppendMessage(&Message{Sender: "alice", Receiver: "bob", Body: body}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	// Append has returned, so reads must see it
	msgs, err := wb.ListConversation("bob", "alice", 100)
	if err != nil {
		t.Fatalf("ListConversation failed: %v", err)
	}
	want := []string{"one", "two", "three"}
	if got := bodies(msgs); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSnowflakeMonotonic(t *testing.T) {
	s := NewSnowflake(DefaultEpoch, 7)
	prev := s.NextID()
	for i := 0; i < 10000; i++ {
		id := s.NextID()
		if id <= prev {
			t.Fatalf("ID %d not greater than %d", id, prev)
		}
		prev = id
	}

	millis := s.Millis(prev)
	now := time.Now().UnixMilli()
	if millis < now-1000 || millis > now+1000 {
		t.Fatalf("Millis(%d) = %d, expected close to %d", prev, millis, now)
	}
}
