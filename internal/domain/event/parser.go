package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxLineBytes caps how much of a single line the parser accepts
// before degrading it into an Error event.
const DefaultMaxLineBytes = 1 << 20

// Parser incrementally decodes the line-delimited agent protocol. It is
// chunk-boundary independent: feeding the same bytes in any split yields the
// same event sequence. A Parser serves exactly one stream; it is not safe for
// concurrent use.
type Parser struct {
	buf        bytes.Buffer
	seq        int64
	maxLine    int
	discarding bool
	now        func() time.Time
}

// NewParser creates a parser with the default line cap.
func NewParser() *Parser {
	return &Parser{maxLine: DefaultMaxLineBytes, now: time.Now}
}

// SetMaxLineBytes overrides the line cap.
func (p *Parser) SetMaxLineBytes(n int) {
	if n > 0 {
		p.maxLine = n
	}
}

// SetClock overrides the timestamp source for events whose lines carry none.
func (p *Parser) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Feed consumes the next chunk of stream bytes and returns the events
// completed by it. A line becomes an event only once its terminator arrives;
// trailing partial data is held for the next Feed or Flush.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf.Write(chunk)
	var events []Event
	for {
		data := p.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if !p.discarding && p.buf.Len() > p.maxLine {
				// Unterminated line over the cap: degrade the capped prefix
				// now, drop the rest of the line as it arrives. Terminated
				// overlong lines take the same path in parseLine, so the
				// emitted event does not depend on where chunks split.
				events = append(events, p.oversized(data[:p.maxLine]))
				p.buf.Reset()
				p.discarding = true
			} else if p.discarding {
				p.buf.Reset()
			}
			return events
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		p.buf.Next(idx + 1)
		if p.discarding {
			// Tail of an already-reported oversized line.
			p.discarding = false
			continue
		}
		if ev, ok := p.parseLine(line); ok {
			events = append(events, ev)
		}
	}
}

// Flush drains a trailing unterminated line at stream end.
func (p *Parser) Flush() []Event {
	if p.discarding {
		p.discarding = false
		p.buf.Reset()
		return nil
	}
	if p.buf.Len() == 0 {
		return nil
	}
	line := make([]byte, p.buf.Len())
	copy(line, p.buf.Bytes())
	p.buf.Reset()
	if ev, ok := p.parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Seq returns the number of events emitted so far.
func (p *Parser) Seq() int64 {
	return p.seq
}

func (p *Parser) parseLine(line []byte) (Event, bool) {
	// Cap check runs on the raw line, before any trimming, so it agrees with
	// the mid-line check in Feed regardless of where chunks split.
	if len(line) > p.maxLine {
		return p.oversized(line[:p.maxLine]), true
	}
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 {
		return Event{}, false
	}
	payload, err := DecodePayload(line)
	if err != nil {
		payload = Error{Message: err.Error(), Raw: string(line)}
	}
	return p.emit(payload, line), true
}

func (p *Parser) oversized(prefix []byte) Event {
	msg := fmt.Sprintf("event line exceeds %d bytes, truncated", p.maxLine)
	return p.emit(Error{Message: msg, Raw: string(prefix)}, nil)
}

func (p *Parser) emit(payload Payload, line []byte) Event {
	p.seq++
	return Event{Seq: p.seq, Time: p.lineTime(line), Payload: payload}
}

// lineTime prefers a timestamp carried on the wire (replay of a persisted
// log) over the local clock (live stream).
func (p *Parser) lineTime(line []byte) time.Time {
	if len(line) > 0 {
		var meta struct {
			Time time.Time `json:"ts"`
		}
		if err := json.Unmarshal(line, &meta); err == nil && !meta.Time.IsZero() {
			return meta.Time
		}
	}
	return p.now()
}

// Parse decodes a complete, finite stream in one call: Feed then Flush. Used
// for replaying persisted event logs.
func Parse(data []byte) []Event {
	p := NewParser()
	events := p.Feed(data)
	return append(events, p.Flush()...)
}
