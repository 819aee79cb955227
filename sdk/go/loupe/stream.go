package loupe

import (
	"strings"
)

// DecodeErrorFunc receives diagnostics for records the decoder dropped:
// unknown event types and malformed payloads. The stream continues after
// either; a nil func discards diagnostics.
type DecodeErrorFunc func(eventType string, data string, err error)

// Decoder frames raw text chunks into StreamEvents.
//
// The wire format is SSE-style: each record is an "event: <type>" line
// followed by one or more "data: <json>" lines and terminated by a blank
// line. A record may arrive split across any number of chunks; the decoder
// buffers the partial tail and carries it into the next Feed call.
// Decoder has no knowledge of conversation semantics.
type Decoder struct {
	buf       strings.Builder
	onDropped DecodeErrorFunc
}

// NewDecoder creates a Decoder. onDropped may be nil.
func NewDecoder(onDropped DecodeErrorFunc) *Decoder {
	return &Decoder{onDropped: onDropped}
}

// Feed consumes one chunk and returns the events completed by it, in order.
// An empty chunk yields no events and leaves the buffer unchanged.
func (d *Decoder) Feed(chunk string) []StreamEvent {
	if chunk == "" {
		return nil
	}
	d.buf.WriteString(chunk)
	return d.drain(false)
}

// Flush signals end-of-stream: a trailing record with no final terminator
// is decoded as if the terminator had arrived. The decoder may be reused
// for a new stream afterwards.
func (d *Decoder) Flush() []StreamEvent {
	return d.drain(true)
}

// Buffered returns the undecoded partial tail, for diagnostics.
func (d *Decoder) Buffered() string {
	return d.buf.String()
}

func (d *Decoder) drain(eof bool) []StreamEvent {
	pending := d.buf.String()
	d.buf.Reset()

	var events []StreamEvent
	for {
		record, rest, ok := cutRecord(pending, eof)
		if !ok {
			break
		}
		pending = rest
		if ev, decoded := d.decodeRecord(record); decoded {
			events = append(events, ev)
		}
	}

	d.buf.WriteString(pending)
	return events
}

// cutRecord splits off the first complete record (terminated by a blank
// line). At eof, any non-empty remainder counts as complete.
func cutRecord(s string, eof bool) (record, rest string, ok bool) {
	// Records are separated by a blank line: "\n\n" (tolerate CRLF).
	// Cut at the earliest separator so a stream mixing LF- and
	// CRLF-terminated records never merges two records into one.
	lf := strings.Index(s, "\n\n")
	crlf := strings.Index(s, "\r\n\r\n")
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return s[:crlf], s[crlf+4:], true
	case lf >= 0:
		return s[:lf], s[lf+2:], true
	}
	if eof && strings.TrimSpace(s) != "" {
		return s, "", true
	}
	return "", s, false
}

// decodeRecord parses the "event:"/"data:" lines of one record. Records
// without a data payload (comments, keep-alives) are skipped silently;
// unknown types and bad JSON are dropped with a diagnostic.
func (d *Decoder) decodeRecord(record string) (StreamEvent, bool) {
	var eventType string
	var data strings.Builder

	for _, line := range strings.Split(record, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			// Multi-line data fields are concatenated per the SSE spec.
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if eventType == "" || data.Len() == 0 {
		return nil, false
	}

	ev, err := unmarshalEvent(eventType, []byte(data.String()))
	if err != nil {
		if d.onDropped != nil {
			d.onDropped(eventType, data.String(), err)
		}
		return nil, false
	}
	return ev, true
}
