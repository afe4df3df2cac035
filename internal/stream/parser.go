package stream

import "encoding/json"

// Splitter is a streaming JSON-object splitter: it consumes arbitrary-sized
// byte chunks and yields complete {"event":...,"data":...} objects without
// requiring newline framing. It is a pure function of the bytes fed to it
// plus its own internal buffer state — the producer/consumer relay owns the
// two cooperating goroutines; this type only tracks parse state.
//
// It tracks brace depth while respecting string literals and escapes, so
// braces inside quoted strings never affect the depth count, and tolerates
// whitespace or "}{" concatenation between objects. Feeding the same byte
// stream through any chunk boundaries yields the same ordered event list.
type Splitter struct {
	buf      []byte
	depth    int
	inString bool
	escaped  bool
	objStart int // index into buf where the current object begins, -1 if not in an object
}

// NewSplitter returns a ready-to-use Splitter.
func NewSplitter() *Splitter {
	return &Splitter{objStart: -1}
}

// Feed appends chunk to the internal buffer, extracts every complete object
// found, and retains any trailing partial object for the next call. Bytes
// already scanned in a prior call are never rescanned.
func (s *Splitter) Feed(chunk []byte) []Event {
	i := len(s.buf)
	s.buf = append(s.buf, chunk...)

	var events []Event
	for i < len(s.buf) {
		c := s.buf[i]

		if s.objStart == -1 {
			if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
				i++
				continue
			}
			if c != '{' {
				// Unexpected framing byte between objects; drop it.
				i++
				continue
			}
			s.objStart = i
			s.depth = 0
			s.inString = false
			s.escaped = false
		}

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			i++
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				objBytes := s.buf[s.objStart : i+1]
				if ev, ok := parseObject(objBytes); ok {
					events = append(events, ev)
				}
				// Trim the consumed object; realign the scan cursor to 0.
				s.buf = s.buf[i+1:]
				s.objStart = -1
				i = -1
			}
		}
		i++
	}

	return events
}

func parseObject(raw []byte) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}
