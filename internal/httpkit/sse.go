package httpkit

import (
	"bufio"
	"io"
	"strings"
)

// DoneSentinel is the data payload some servers send as the final
// event of a stream.
const DoneSentinel = "[DONE]"

// maxSSELine bounds a single SSE line. Tool results can be large JSON
// documents delivered as one data line.
const maxSSELine = 10 << 20

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	// Event is the "event:" field, empty for the default message type.
	Event string
	// ID is the "id:" field, if any.
	ID string
	// Data holds the "data:" lines joined with newlines.
	Data string
}

// SSEScanner reads server-sent events from a response body. Events are
// dispatched on a blank line or at end of stream; comment lines (":")
// and unknown fields are ignored.
//
//	sc := httpkit.NewSSEScanner(resp.Body)
//	for sc.Next() {
//		ev := sc.Event()
//	}
//	if err := sc.Err(); err != nil { ... }
type SSEScanner struct {
	sc    *bufio.Scanner
	ev    SSEEvent
	err   error
	data  []string
	event string
	id    string
}

// NewSSEScanner wraps r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &SSEScanner{sc: sc}
}

// Next advances to the next event that carries data. It returns false
// at end of stream or on a read error.
func (s *SSEScanner) Next() bool {
	for s.sc.Scan() {
		line := strings.TrimSuffix(s.sc.Text(), "\r")

		if line == "" {
			if s.dispatch() {
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			s.data = append(s.data, value)
		case "event":
			s.event = value
		case "id":
			s.id = value
		}
	}

	s.err = s.sc.Err()
	return s.err == nil && s.dispatch()
}

// dispatch moves buffered fields into the current event. It reports
// false when no data lines were buffered.
func (s *SSEScanner) dispatch() bool {
	if len(s.data) == 0 {
		s.event = ""
		return false
	}
	s.ev = SSEEvent{
		Event: s.event,
		ID:    s.id,
		Data:  strings.Join(s.data, "\n"),
	}
	s.data = s.data[:0]
	s.event = ""
	return true
}

// Event returns the event produced by the last successful Next.
func (s *SSEScanner) Event() SSEEvent {
	return s.ev
}

// Err returns the first read error, or nil at a clean end of stream.
func (s *SSEScanner) Err() error {
	return s.err
}
