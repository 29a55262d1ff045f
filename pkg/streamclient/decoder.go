// Package streamclient consumes the task event stream: an SSE decoder plus a
// reconnecting controller that preserves ordering across transport drops.
package streamclient

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Frame is one decoded server-sent event.
type Frame struct {
	Event string
	Data  string
	ID    string
	Retry int
}

// Decoder reads SSE frames from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r in an SSE frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{scanner: bufio.NewScanner(r)}
}

// Next returns the next frame, or io.EOF when the stream ends.
func (d *Decoder) Next() (*Frame, error) {
	frame := &Frame{}

	for d.scanner.Scan() {
		line := d.scanner.Text()

		// A blank line terminates the current frame.
		if line == "" {
			if frame.Event != "" || frame.Data != "" {
				return frame, nil
			}
			continue
		}

		// Comment lines carry keepalives in some servers.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			frame.Event = value
		case "data":
			if frame.Data != "" {
				frame.Data += "\n"
			}
			frame.Data += value
		case "id":
			frame.ID = value
		case "retry":
			if retry, err := strconv.Atoi(value); err == nil {
				frame.Retry = retry
			}
		}
	}

	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	if frame.Event != "" || frame.Data != "" {
		return frame, nil
	}
	return nil, io.EOF
}
