// Package grib checks GRIB2 message framing without decoding content.
//
// A GRIB2 message starts with a 16-byte indicator section ("GRIB", two
// reserved bytes, discipline, edition, 8-byte big-endian total length) and
// ends with the 4-byte end section "7777".
package grib

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	indicatorLen = 16
	endLen       = 4
)

var (
	magic     = []byte("GRIB")
	endMarker = []byte("7777")

	// ErrBadFraming is returned for bytes that are not one whole GRIB2 message.
	ErrBadFraming = errors.New("invalid GRIB2 framing")
)

// Message describes one framed message.
type Message struct {
	Offset     int64
	Length     int64
	Discipline uint8
	Edition    uint8
}

// Frame wraps body in an indicator section and end section.
func Frame(discipline uint8, body []byte) []byte {
	total := indicatorLen + len(body) + endLen
	out := make([]byte, 0, total)
	out = append(out, magic...)
	out = append(out, 0, 0, discipline, 2)
	out = binary.BigEndian.AppendUint64(out, uint64(total))
	out = append(out, body...)
	out = append(out, endMarker...)
	return out
}

// MessageCheck is an io.Writer that verifies the bytes written to it form
// exactly one GRIB2 message.
type MessageCheck struct {
	head [indicatorLen]byte
	tail [endLen]byte
	n    int64
}

// Write records the head and tail of the stream.
func (c *MessageCheck) Write(p []byte) (int, error) {
	if c.n < indicatorLen {
		copy(c.head[c.n:], p)
	}
	if len(p) >= endLen {
		copy(c.tail[:], p[len(p)-endLen:])
	} else {
		// shift the tail window left by len(p)
		copy(c.tail[:], c.tail[len(p):])
		copy(c.tail[endLen-len(p):], p)
	}
	c.n += int64(len(p))
	return len(p), nil
}

// Reset clears the check for the next message.
func (c *MessageCheck) Reset() {
	*c = MessageCheck{}
}

// Err returns nil when the written bytes are one well-framed message.
func (c *MessageCheck) Err() error {
	if c.n < indicatorLen+endLen {
		return fmt.Errorf("%w: %d bytes is too short", ErrBadFraming, c.n)
	}
	if _, err := parseIndicator(c.head[:]); err != nil {
		return err
	}
	if declared := int64(binary.BigEndian.Uint64(c.head[8:16])); declared != c.n {
		return fmt.Errorf("%w: declared length %d, got %d bytes", ErrBadFraming, declared, c.n)
	}
	if !bytes.Equal(c.tail[:], endMarker) {
		return fmt.Errorf("%w: missing end section", ErrBadFraming)
	}
	return nil
}

func parseIndicator(h []byte) (Message, error) {
	if !bytes.Equal(h[0:4], magic) {
		return Message{}, fmt.Errorf("%w: missing GRIB marker", ErrBadFraming)
	}
	if h[7] != 2 {
		return Message{}, fmt.Errorf("%w: edition %d", ErrBadFraming, h[7])
	}
	return Message{
		Length:     int64(binary.BigEndian.Uint64(h[8:16])),
		Discipline: h[6],
		Edition:    h[7],
	}, nil
}

// Scan walks a stream of concatenated GRIB2 messages.
func Scan(r io.Reader) ([]Message, error) {
	var (
		msgs   []Message
		offset int64
		head   [indicatorLen]byte
		tail   [endLen]byte
	)

	for {
		if _, err := io.ReadFull(r, head[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return msgs, nil
			}
			return msgs, fmt.Errorf("%w: truncated indicator at %d", ErrBadFraming, offset)
		}

		m, err := parseIndicator(head[:])
		if err != nil {
			return msgs, fmt.Errorf("message at %d: %w", offset, err)
		}
		if m.Length < indicatorLen+endLen {
			return msgs, fmt.Errorf("%w: message at %d declares %d bytes", ErrBadFraming, offset, m.Length)
		}

		if _, err := io.CopyN(io.Discard, r, m.Length-indicatorLen-endLen); err != nil {
			return msgs, fmt.Errorf("%w: truncated message at %d", ErrBadFraming, offset)
		}
		if _, err := io.ReadFull(r, tail[:]); err != nil || !bytes.Equal(tail[:], endMarker) {
			return msgs, fmt.Errorf("%w: message at %d has no end section", ErrBadFraming, offset)
		}

		m.Offset = offset
		msgs = append(msgs, m)
		offset += m.Length
	}
}
