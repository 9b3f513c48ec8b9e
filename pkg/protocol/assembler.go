package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Assembler turns one connection's fragmented byte stream into complete units.
// It is not safe for concurrent use; each connection owns its own Assembler.
type Assembler struct {
	limits    Limits
	buf       []byte
	pending   *PendingTransfer
	headerLen int
}

// NewAssembler creates an assembler with the given limits
func NewAssembler(limits Limits) *Assembler {
	if limits.MaxFileSize <= 0 {
		limits.MaxFileSize = DefaultMaxFileSize
	}
	if limits.TransferTimeout <= 0 {
		limits.TransferTimeout = DefaultTransferTimeout
	}
	return &Assembler{limits: limits}
}

// Feed appends chunk to the buffer and returns every unit that is now complete,
// in stream order.
//
// On ErrMalformedFrame the buffer has been reset; units completed before the
// bad header are still returned. On ErrTransferTimeout the overdue transfer
// and the chunk that arrived too late were discarded.
func (a *Assembler) Feed(chunk []byte, now time.Time) ([]Unit, error) {
	if expired, ok := a.Expire(now); ok {
		return nil, fmt.Errorf("%w: transfer %s to %s (%d/%d bytes)",
			ErrTransferTimeout, expired.ID, expired.Target, expired.Received, expired.Declared)
	}

	a.buf = append(a.buf, chunk...)

	var units []Unit
	for {
		unit, ok, err := a.next(now)
		if err != nil {
			a.reset()
			return units, err
		}
		if !ok {
			break
		}
		units = append(units, unit)
	}

	if len(a.buf) == 0 {
		a.buf = nil
	}
	return units, nil
}

// Pending returns a snapshot of the in-progress file transfer, or nil
func (a *Assembler) Pending() *PendingTransfer {
	if a.pending == nil {
		return nil
	}
	p := *a.pending
	return &p
}

// Buffered returns the number of bytes held but not yet emitted
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Expire discards the pending transfer if its deadline has passed. Everything
// buffered behind the header is dropped with it; nothing is emitted.
func (a *Assembler) Expire(now time.Time) (*PendingTransfer, bool) {
	if a.pending == nil || now.Before(a.pending.Deadline) {
		return nil, false
	}
	expired := a.Pending()
	a.reset()
	return expired, true
}

// ReadDeadline returns the deadline the transport should put on its next read.
// Zero means no deadline (no transfer in flight).
func (a *Assembler) ReadDeadline(now time.Time, chunkWait time.Duration) time.Time {
	if a.pending == nil {
		return time.Time{}
	}
	if chunkWait <= 0 {
		return a.pending.Deadline
	}
	next := now.Add(chunkWait)
	if next.After(a.pending.Deadline) {
		return a.pending.Deadline
	}
	return next
}

func (a *Assembler) reset() {
	a.buf = nil
	a.pending = nil
	a.headerLen = 0
}

// next extracts at most one unit from the buffer
func (a *Assembler) next(now time.Time) (Unit, bool, error) {
	for {
		if a.pending != nil || bytes.HasPrefix(a.buf, []byte(FilePrefix)) {
			return a.nextFile(now)
		}

		i := bytes.IndexByte(a.buf, '\n')
		if i < 0 {
			if len(a.buf) > MaxBufferedLine {
				return Unit{}, false, fmt.Errorf("%w: unterminated line exceeds %d bytes", ErrMalformedFrame, MaxBufferedLine)
			}
			return Unit{}, false, nil
		}

		line := a.buf[:i]
		a.buf = a.buf[i+1:]

		text := strings.TrimRightFunc(strings.ToValidUTF8(string(line), "\uFFFD"), unicode.IsSpace)
		if text == "" {
			continue
		}
		return Unit{Kind: UnitLine, Text: text}, true, nil
	}
}

func (a *Assembler) nextFile(now time.Time) (Unit, bool, error) {
	if a.pending == nil {
		hdr, ok, err := parseFileHeader(a.buf, a.limits.MaxFileSize)
		if err != nil || !ok {
			return Unit{}, false, err
		}
		a.pending = &PendingTransfer{
			ID:       uuid.New(),
			Target:   hdr.target,
			Filename: hdr.filename,
			Declared: hdr.size,
			Started:  now,
			Deadline: now.Add(a.limits.TransferTimeout),
		}
		a.headerLen = hdr.length
	}

	body := int64(len(a.buf) - a.headerLen)
	if body < a.pending.Declared {
		a.pending.Received = body
		return Unit{}, false, nil
	}

	end := a.headerLen + int(a.pending.Declared)
	data := make([]byte, a.pending.Declared)
	copy(data, a.buf[a.headerLen:end])

	unit := Unit{
		Kind:     UnitFile,
		Target:   a.pending.Target,
		Filename: a.pending.Filename,
		Data:     data,
	}

	a.buf = a.buf[end:]
	a.pending = nil
	a.headerLen = 0
	return unit, true, nil
}

type fileHeader struct {
	target   string
	filename string
	size     int64
	length   int
}

// parseFileHeader parses "FILE:<target>:<filename>:<size>:" at the start of buf.
// ok is false while the header is still incomplete.
func parseFileHeader(buf []byte, maxSize int64) (fileHeader, bool, error) {
	var fields [3]string
	offset := len(FilePrefix)

	for i := range fields {
		seg := buf[offset:]
		colon := bytes.IndexByte(seg, ':')
		if nl := bytes.IndexByte(seg, '\n'); nl >= 0 && (colon < 0 || nl < colon) {
			return fileHeader{}, false, fmt.Errorf("%w: line break inside file header", ErrMalformedFrame)
		}
		if colon < 0 {
			if len(buf) > MaxHeaderLength {
				return fileHeader{}, false, fmt.Errorf("%w: file header exceeds %d bytes", ErrMalformedFrame, MaxHeaderLength)
			}
			return fileHeader{}, false, nil
		}
		fields[i] = string(seg[:colon])
		offset += colon + 1
	}

	if offset > MaxHeaderLength {
		return fileHeader{}, false, fmt.Errorf("%w: file header exceeds %d bytes", ErrMalformedFrame, MaxHeaderLength)
	}

	target, filename, sizeField := fields[0], fields[1], fields[2]
	if target == "" || filename == "" {
		return fileHeader{}, false, fmt.Errorf("%w: empty target or filename", ErrMalformedFrame)
	}

	// ParseInt alone would also take a sign
	if sizeField == "" || sizeField[0] < '0' || sizeField[0] > '9' {
		return fileHeader{}, false, fmt.Errorf("%w: invalid file size %q", ErrMalformedFrame, sizeField)
	}
	size, err := strconv.ParseInt(sizeField, 10, 64)
	if err != nil {
		return fileHeader{}, false, fmt.Errorf("%w: invalid file size %q", ErrMalformedFrame, sizeField)
	}
	if size > maxSize {
		return fileHeader{}, false, fmt.Errorf("%w: file size %d exceeds limit %d", ErrMalformedFrame, size, maxSize)
	}

	return fileHeader{
		target:   target,
		filename: filename,
		size:     size,
		length:   offset,
	}, true, nil
}
