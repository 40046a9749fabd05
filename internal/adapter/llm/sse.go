package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"conductor/internal/domain"
)

// sseMaxLineBytes bounds a single SSE line. Tool-argument deltas can carry
// large JSON fragments, so this is well above bufio's default.
const sseMaxLineBytes = 1 << 20

// parseSSEStream reads server-sent events from body and converts each event's
// data payload into a StreamDelta via parseData. Events are framed by blank
// lines; multi-line data fields are joined with newlines per the SSE format.
// The channel closes when the stream ends, on the "[DONE]" sentinel, or when
// ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseData func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 4096), sseMaxLineBytes)

		var data [][]byte
		flush := func() (stop bool) {
			if len(data) == 0 {
				return false
			}
			payload := bytes.Join(data, []byte("\n"))
			data = data[:0]

			if bytes.Equal(payload, []byte("[DONE]")) {
				ch <- domain.StreamDelta{Done: true}
				return true
			}
			delta, err := parseData(payload)
			if err != nil || delta == nil {
				// Unparseable payloads are skipped, not fatal.
				return false
			}
			select {
			case ch <- *delta:
			case <-ctx.Done():
				return true
			}
			return delta.Done
		}

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				// Blank line terminates the event.
				if flush() {
					return
				}
				continue
			}
			if line[0] == ':' {
				continue
			}
			// Only data fields matter here; event/id/retry are ignored.
			if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
				// Scanner reuses its buffer between lines, so copy.
				rest = bytes.TrimPrefix(rest, []byte(" "))
				data = append(data, append([]byte(nil), rest...))
			}
		}
		if flush() {
			return
		}
		if err := scanner.Err(); err != nil {
			// Terminal marker so consumers know the stream died.
			select {
			case ch <- domain.StreamDelta{Done: true}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}
