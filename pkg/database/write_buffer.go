package database

import (
	"log"
	"sync"
	"time"
)

// DefaultFlushInterval is how long appends wait to be batched together
const DefaultFlushInterval = 100 * time.Millisecond

// WriteBuffer batches message inserts into one backend transaction per flush.
// Appends are flushed in the order they were queued. It also serves reads by
// passing them through to the backend.
type WriteBuffer struct {
	backend       Backend
	snowflake     *Snowflake
	flushInterval time.Duration

	mu      sync.Mutex
	pending []*pendingMessage
	closed  bool

	kick     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type pendingMessage struct {
	msg    *Message
	result chan error
}

// NewWriteBuffer starts a write buffer in front of backend
func NewWriteBuffer(backend Backend, flushInterval time.Duration) *WriteBuffer {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	wb := &WriteBuffer{
		backend:       backend,
		snowflake:     NewSnowflake(DefaultEpoch, 0),
		flushInterval: flushInterval,
		pending:       make([]*pendingMessage, 0, 100),
		kick:          make(chan struct{}, 1),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// AppendMessage assigns the message an ID (and a timestamp when unset),
// queues it, and blocks until the batch holding it has been written.
func (wb *WriteBuffer) AppendMessage(msg *Message) error {
	result := make(chan error, 1)

	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return ErrStoreClosed
	}
	msg.ID = wb.snowflake.NextID()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = wb.snowflake.Millis(msg.ID)
	}
	wb.pending = append(wb.pending, &pendingMessage{msg: msg, result: result})
	wb.mu.Unlock()

	return <-result
}

// ListConversation reads through to the backend
func (wb *WriteBuffer) ListConversation(a, b string, limit int) ([]*Message, error) {
	return wb.backend.ListConversation(a, b, limit)
}

// ListForNickname reads through to the backend
func (wb *WriteBuffer) ListForNickname(nickname string, limit int) ([]*Message, error) {
	return wb.backend.ListForNickname(nickname, limit)
}

// Flush asks the flush loop to write pending messages now instead of
// waiting for the next tick
func (wb *WriteBuffer) Flush() {
	select {
	case wb.kick <- struct{}{}:
	default:
	}
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.kick:
			wb.flush()
		case <-wb.shutdown:
			wb.flush()
			return
		}
	}
}

// flush writes everything queued so far in a single batch
func (wb *WriteBuffer) flush() {
	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]*pendingMessage, 0, 100)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	msgs := make([]*Message, len(batch))
	for i, p := range batch {
		msgs[i] = p.msg
	}

	err := wb.backend.InsertMessages(msgs)
	if err != nil {
		log.Printf("WriteBuffer: failed to insert %d messages: %v", len(msgs), err)
	}
	for _, p := range batch {
		p.result <- err
	}

	// Only log slow flushes
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d messages in %v", len(msgs), elapsed)
	}
}

// Close flushes queued messages, stops the flush loop and closes the backend.
// Appends after Close fail with ErrStoreClosed.
func (wb *WriteBuffer) Close() error {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return nil
	}
	wb.closed = true
	wb.mu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
	return wb.backend.Close()
}
