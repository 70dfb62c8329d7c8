// internal/stream/decoder.go
// Package stream decodes the backend's server-sent event stream into typed
// chat events. Records are separated by a blank line and carry an optional
// "event:" name plus one or more "data:" lines joined by newline.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EventType identifies the kind of a decoded stream event.
type EventType int

const (
	// EventMeta carries arbitrary key/value metadata about the exchange.
	EventMeta EventType = iota
	// EventDelta carries one incremental answer fragment.
	EventDelta
	// EventDone carries the full structured final response and ends the
	// stream's expected lifecycle.
	EventDone
)

// ErrStreamTruncated reports a stream that ended before a done record.
var ErrStreamTruncated = errors.New("stream ended before completion")

// ErrMalformedPayload reports a record whose data payload failed structural
// parsing.
var ErrMalformedPayload = errors.New("malformed stream payload")

// BackendError carries the detail message of an error record emitted by the
// backend mid-stream.
type BackendError struct {
	Detail string
}

func (e *BackendError) Error() string {
	if strings.TrimSpace(e.Detail) == "" {
		return "backend reported a stream error"
	}
	return e.Detail
}

// Event is one decoded record.
type Event struct {
	Type  EventType
	Meta  map[string]any
	Delta string
	// Done holds the raw structured final response for EventDone records.
	Done json.RawMessage
}

const readChunkSize = 4096

// Decoder incrementally parses a framed event stream, buffering partial
// reads across chunk boundaries.
type Decoder struct {
	r    io.Reader
	buf  []byte
	done bool
	err  error
}

// NewDecoder wraps the response body of a streaming chat request.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next decoded event. After an EventDone record it returns
// io.EOF. A stream that ends without a done record yields
// ErrStreamTruncated.
func (d *Decoder) Next() (Event, error) {
	if d.err != nil {
		return Event{}, d.err
	}

	for {
		if record, ok := d.takeRecord(); ok {
			event, err := d.parseRecord(record)
			if err != nil {
				d.err = err
				return Event{}, err
			}
			if event == nil {
				continue
			}
			if event.Type == EventDone {
				d.done = true
				d.err = io.EOF
			}
			return *event, nil
		}

		chunk := make([]byte, readChunkSize)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if d.done {
				d.err = io.EOF
				return Event{}, io.EOF
			}
			// Trailing bytes without a closing blank line are a partial
			// record; either way the stream violated its protocol.
			d.err = ErrStreamTruncated
			return Event{}, d.err
		}
		d.err = err
		return Event{}, err
	}
}

// takeRecord slices one complete record off the buffer, if present.
func (d *Decoder) takeRecord() ([]byte, bool) {
	idx := bytes.Index(d.buf, []byte("\n\n"))
	if idx < 0 {
		return nil, false
	}
	record := d.buf[:idx]
	d.buf = d.buf[idx+2:]
	return record, true
}

// parseRecord decodes one framed record. It returns (nil, nil) for records
// that carry nothing actionable, such as comment keepalives.
func (d *Decoder) parseRecord(record []byte) (*Event, error) {
	name := "message"
	var dataLines []string

	for _, line := range strings.Split(string(record), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
			// Blank or comment line; comments are keepalive heartbeats.
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if len(dataLines) == 0 {
		return nil, nil
	}
	data := []byte(strings.Join(dataLines, "\n"))

	switch name {
	case "meta":
		var meta map[string]any
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("%w: meta record: %v", ErrMalformedPayload, err)
		}
		return &Event{Type: EventMeta, Meta: meta}, nil

	case "delta":
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: delta record: %v", ErrMalformedPayload, err)
		}
		// A missing or mistyped content field decodes to an empty fragment;
		// bad deltas never abort the stream.
		content, _ := payload["content"].(string)
		return &Event{Type: EventDelta, Delta: content}, nil

	case "done":
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: done record", ErrMalformedPayload)
		}
		return &Event{Type: EventDone, Done: json.RawMessage(data)}, nil

	case "error":
		var payload struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: error record: %v", ErrMalformedPayload, err)
		}
		detail := payload.Detail
		if detail == "" {
			detail = payload.Error
		}
		return nil, &BackendError{Detail: detail}

	default:
		// Unrecognized record names are skipped so protocol additions do not
		// break older clients.
		return nil, nil
	}
}
