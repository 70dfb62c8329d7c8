// internal/stream/decoder_test.go
package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkedReader returns its segments one per Read call to exercise record
// reassembly across chunk boundaries.
type chunkedReader struct {
	segments []string
	idx      int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.idx >= len(r.segments) {
		return 0, io.EOF
	}
	n := copy(p, r.segments[r.idx])
	r.idx++
	return n, nil
}

func collect(t *testing.T, d *Decoder) ([]Event, error) {
	t.Helper()
	var events []Event
	for {
		event, err := d.Next()
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
}

func TestDecodeDeltaThenDone(t *testing.T) {
	input := "event: delta\ndata: {\"content\":\"A\"}\n\n" +
		"event: delta\ndata: {\"content\":\"B\"}\n\n" +
		"event: done\ndata: {\"answer\":\"AB\"}\n\n"

	events, err := collect(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after done, got %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventDelta || events[0].Delta != "A" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Delta != "B" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if events[2].Type != EventDone {
		t.Fatalf("expected done event, got %+v", events[2])
	}
	if string(events[2].Done) != `{"answer":"AB"}` {
		t.Fatalf("unexpected done payload: %s", events[2].Done)
	}
}

func TestDecodeBuffersPartialReads(t *testing.T) {
	reader := &chunkedReader{segments: []string{
		"event: del",
		"ta\ndata: {\"cont",
		"ent\":\"Hello\"}\n",
		"\nevent: done\ndata: {}\n\n",
	}}

	events, err := collect(t, NewDecoder(reader))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(events) != 2 || events[0].Delta != "Hello" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestDecodeMetaRecord(t *testing.T) {
	input := "event: meta\ndata: {\"model\":\"m-1\",\"topK\":8}\n\n" +
		"event: done\ndata: {}\n\n"

	events, err := collect(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if events[0].Type != EventMeta {
		t.Fatalf("expected meta event, got %+v", events[0])
	}
	if events[0].Meta["model"] != "m-1" {
		t.Fatalf("unexpected meta payload: %+v", events[0].Meta)
	}
}

func TestDecodeMultiLineData(t *testing.T) {
	input := "event: done\ndata: {\"answer\":\ndata: \"x\"}\n\n"

	events, err := collect(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(events) != 1 || events[0].Type != EventDone {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestDeltaWithMissingContentIsEmpty(t *testing.T) {
	input := "event: delta\ndata: {\"contents\":7}\n\n" +
		"event: done\ndata: {}\n\n"

	events, err := collect(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if events[0].Type != EventDelta || events[0].Delta != "" {
		t.Fatalf("expected empty delta, got %+v", events[0])
	}
}

func TestMalformedPayloadRaisesTypedFailure(t *testing.T) {
	input := "event: delta\ndata: {not json}\n\n"

	_, err := collect(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestErrorRecordCarriesDetail(t *testing.T) {
	input := "event: error\ndata: {\"detail\":\"index unavailable\"}\n\n"

	_, err := collect(t, NewDecoder(strings.NewReader(input)))
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if backendErr.Detail != "index unavailable" {
		t.Fatalf("unexpected detail: %q", backendErr.Detail)
	}
}

func TestErrorRecordFallbackMessage(t *testing.T) {
	input := "event: error\ndata: {}\n\n"

	_, err := collect(t, NewDecoder(strings.NewReader(input)))
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if backendErr.Error() != "backend reported a stream error" {
		t.Fatalf("unexpected message: %q", backendErr.Error())
	}
}

func TestStreamEndingWithoutDoneIsTruncated(t *testing.T) {
	input := "event: delta\ndata: {\"content\":\"partial\"}\n\n"

	events, err := collect(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, ErrStreamTruncated) {
		t.Fatalf("expected ErrStreamTruncated, got %v", err)
	}
	if len(events) != 1 || events[0].Delta != "partial" {
		t.Fatalf("unexpected events before truncation: %+v", events)
	}
}

func TestCommentKeepalivesAreSkipped(t *testing.T) {
	input := ": ping\n\nevent: done\ndata: {}\n\n"

	events, err := collect(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(events) != 1 || events[0].Type != EventDone {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestUnknownEventNamesAreSkipped(t *testing.T) {
	input := "event: status\ndata: {\"message\":\"Searching...\"}\n\n" +
		"event: done\ndata: {}\n\n"

	events, err := collect(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if len(events) != 1 || events[0].Type != EventDone {
		t.Fatalf("unexpected events: %+v", events)
	}
}
