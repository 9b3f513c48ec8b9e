package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var ErrInvalidFileRec = errors.New("invalid FILE_REC header")

// Reader decodes the server → client stream: newline-terminated text units
// and length-delimited FILE_REC packets. Used by clients and tests.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next unit. Text units have Kind UnitLine with the trailing
// newline removed; FILE_REC packets have Kind UnitFile with Target set to the
// sender.
func (r *Reader) Next() (Unit, error) {
	peek, err := r.r.Peek(len(PrefixFileRec))
	if err == nil && bytes.Equal(peek, []byte(PrefixFileRec)) {
		return r.readFileRec()
	}

	line, err := r.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return Unit{Kind: UnitLine, Text: line}, nil
		}
		return Unit{}, err
	}
	return Unit{Kind: UnitLine, Text: strings.TrimRight(line, "\r\n")}, nil
}

func (r *Reader) readFileRec() (Unit, error) {
	if _, err := r.r.Discard(len(PrefixFileRec)); err != nil {
		return Unit{}, err
	}

	var fields [3]string
	for i := range fields {
		field, err := r.r.ReadString(':')
		if err != nil {
			return Unit{}, err
		}
		fields[i] = strings.TrimSuffix(field, ":")
	}

	size, err := strconv.Atoi(fields[2])
	if err != nil || size < 0 {
		return Unit{}, fmt.Errorf("%w: size %q", ErrInvalidFileRec, fields[2])
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return Unit{}, err
	}

	return Unit{
		Kind:     UnitFile,
		Target:   fields[0],
		Filename: fields[1],
		Data:     data,
	}, nil
}
