package httpkit

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrStopSSE may be returned by an SSE handler to end reading early
// without reporting an error.
var ErrStopSSE = errors.New("stop reading event stream")

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	// Event is the value of the last "event:" field (empty if absent).
	Event string
	// Data is the concatenation of all "data:" lines, joined by "\n".
	Data string
}

// maxSSELine bounds a single line; provider payloads (large tool
// argument deltas) occasionally exceed bufio's 64 KiB default.
const maxSSELine = 1024 * 1024

// ReadSSE reads a text/event-stream body and calls fn for every event.
// Events are dispatched on blank lines; comment lines (":") are
// ignored. A trailing event without a terminating blank line is still
// dispatched at EOF. Returning [ErrStopSSE] from fn ends the read with
// a nil error.
func ReadSSE(r io.Reader, fn func(SSEEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var (
		event   string
		data    strings.Builder
		hasData bool
	)

	dispatch := func() error {
		if !hasData {
			event = ""
			return nil
		}
		ev := SSEEvent{Event: event, Data: data.String()}
		event = ""
		data.Reset()
		hasData = false
		return fn(ev)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			if err := dispatch(); err != nil {
				if errors.Is(err, ErrStopSSE) {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	if err := dispatch(); err != nil && !errors.Is(err, ErrStopSSE) {
		return err
	}
	return nil
}
