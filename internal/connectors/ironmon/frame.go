package ironmon

import (
	"bytes"
	"strconv"
)

// MaxMessageBytes caps a single framed message.
const MaxMessageBytes = 1 << 20

// Decoder incrementally parses the "LEN SP JSON" wire format. Partial
// data is preserved across feeds, so a message split over multiple TCP
// reads is reassembled; a non-numeric length prefix is skipped past its
// trailing space and parsing continues.
type Decoder struct {
	buf []byte
}

// Feed appends data to the buffer and returns every complete message
// now available, in wire order.
func (d *Decoder) Feed(data []byte) [][]byte {
	d.buf = append(d.buf, data...)

	var messages [][]byte
	for {
		msg, ok := d.next()
		if !ok {
			return messages
		}
		if msg != nil {
			messages = append(messages, msg)
		}
	}
}

// next consumes at most one token from the buffer. It returns
// (nil, true) when a malformed prefix was skipped and parsing should
// continue, and (nil, false) when more bytes are needed.
func (d *Decoder) next() ([]byte, bool) {
	sp := bytes.IndexByte(d.buf, ' ')
	if sp < 0 {
		return nil, false
	}

	length, err := strconv.Atoi(string(d.buf[:sp]))
	if err != nil || length < 0 || length > MaxMessageBytes {
		// Drop the prefix up to and including the space and continue.
		d.buf = d.buf[sp+1:]
		return nil, true
	}

	rest := d.buf[sp+1:]
	if len(rest) < length {
		return nil, false
	}

	msg := make([]byte, length)
	copy(msg, rest[:length])
	d.buf = append(d.buf[:0], rest[length:]...)
	return msg, true
}

// Pending reports how many buffered bytes await more data, for tests.
func (d *Decoder) Pending() int { return len(d.buf) }
