package openai

import "bytes"

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")
)

// frameScanner splits a text/event-stream body into raw data payloads. Chunks
// may arrive split at arbitrary byte boundaries, including mid-line; the
// scanner carries the trailing incomplete line over to the next Feed call.
// Lines without the "data: " prefix (blank separators, comments, other SSE
// fields) are skipped. The "[DONE]" sentinel ends the frame sequence without
// being yielded. A scanner is single-pass state for exactly one stream.
type frameScanner struct {
	carry []byte
	done  bool
}

// Feed appends one body chunk and returns the data payloads of every frame
// completed by it, in arrival order. After the sentinel has been seen Feed
// returns nil for all further input.
func (s *frameScanner) Feed(chunk []byte) [][]byte {
	if s.done {
		return nil
	}
	buf := append(s.carry, chunk...)

	var frames [][]byte
	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			break
		}
		line := buf[:nl]
		buf = buf[nl+1:]
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := line[len(dataPrefix):]
		if bytes.Equal(data, doneSentinel) {
			s.done = true
			s.carry = nil
			return frames
		}
		frames = append(frames, append([]byte(nil), data...))
	}
	s.carry = append([]byte(nil), buf...)
	return frames
}

// Done reports whether the [DONE] sentinel has been consumed.
func (s *frameScanner) Done() bool {
	return s.done
}
