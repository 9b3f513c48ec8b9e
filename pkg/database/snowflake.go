package database

import (
	"sync"
	"time"
)

// Snowflake generates unique, strictly increasing 64-bit message IDs.
// Layout: 41 bits milliseconds since epoch | 10 bits worker | 12 bits sequence.
type Snowflake struct {
	epoch    int64
	workerID int64

	mu       sync.Mutex
	lastTime int64
	sequence int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// DefaultEpoch is 2025-01-01 UTC in milliseconds
var DefaultEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// NewSnowflake creates a generator. Out-of-range worker IDs fall back to 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns the next ID. If the clock moves backwards the last seen
// millisecond is reused so IDs never decrease.
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.lastTime {
		now = s.lastTime
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// 4096 IDs in one millisecond: borrow the next one
			now++
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return (now-s.epoch)<<timestampShift | s.workerID<<workerIDShift | s.sequence
}

// Millis extracts the generation time (Unix ms) from an ID
func (s *Snowflake) Millis(id int64) int64 {
	return id>>timestampShift + s.epoch
}
