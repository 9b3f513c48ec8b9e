package protocol

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// FilePrefix opens a file unit. It must be the first byte sequence of the unit.
	FilePrefix = "FILE:"

	// DefaultMaxLineLength is the largest text unit the router accepts (bytes)
	DefaultMaxLineLength = 1000

	// DefaultMaxFileSize is the largest declared file size accepted (10 MB)
	DefaultMaxFileSize = 10 * 1024 * 1024

	// MaxHeaderLength bounds "FILE:<target>:<filename>:<size>:"
	MaxHeaderLength = 512

	// MaxBufferedLine bounds how much unterminated text is held per connection
	MaxBufferedLine = 64 * 1024

	// DefaultTransferTimeout is the overall deadline of one file transfer
	DefaultTransferTimeout = 30 * time.Second

	// DefaultChunkWait is how long a pending transfer waits for its next read
	DefaultChunkWait = 500 * time.Millisecond
)

var (
	// ErrMalformedFrame indicates a bad file header or an unframeable byte run.
	// The assembler buffer is reset when it is returned.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrTransferTimeout indicates a pending file transfer missed its deadline
	ErrTransferTimeout = errors.New("file transfer timed out")
)

// UnitKind distinguishes the two framing sub-protocols sharing one stream
type UnitKind uint8

const (
	UnitLine UnitKind = iota + 1
	UnitFile
)

func (k UnitKind) String() string {
	switch k {
	case UnitLine:
		return "line"
	case UnitFile:
		return "file"
	default:
		return "unknown"
	}
}

// Unit is one complete logical message extracted from a connection's byte stream.
// Line units carry Text; file units carry Target, Filename and Data.
type Unit struct {
	Kind     UnitKind
	Text     string
	Target   string
	Filename string
	Data     []byte
}

// PendingTransfer describes a file unit whose header has arrived but whose
// payload is still incomplete. Received never exceeds Declared.
type PendingTransfer struct {
	ID       uuid.UUID
	Target   string
	Filename string
	Declared int64
	Received int64
	Started  time.Time
	Deadline time.Time
}

// Limits configures an Assembler
type Limits struct {
	MaxFileSize     int64
	TransferTimeout time.Duration
}

// DefaultLimits returns the default assembler limits
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:     DefaultMaxFileSize,
		TransferTimeout: DefaultTransferTimeout,
	}
}
