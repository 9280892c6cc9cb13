package llm

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// Frame is one server-sent event: an optional event name plus the joined
// data payload.
type Frame struct {
	Event string
	Data  string
}

// frame boundary: a blank line, tolerating bare-LF and CRLF streams alike.
var frameBoundary = regexp.MustCompile(`\r?\n\r?\n`)

// SSEDecoder is an incremental SSE frame decoder. Feed it arbitrary chunk
// boundaries; complete frames come out, partial tail stays buffered. The
// decoded frames are invariant under how the byte stream was chunked.
type SSEDecoder struct {
	buf strings.Builder
}

// Feed appends a chunk and returns every frame completed by it.
func (d *SSEDecoder) Feed(chunk []byte) []Frame {
	d.buf.Write(chunk)

	var frames []Frame
	rest := d.buf.String()
	for {
		loc := frameBoundary.FindStringIndex(rest)
		if loc == nil {
			break
		}
		if f, ok := parseFrame(rest[:loc[0]]); ok {
			frames = append(frames, f)
		}
		rest = rest[loc[1]:]
	}
	d.buf.Reset()
	d.buf.WriteString(rest)
	return frames
}

// Rest returns the unterminated tail. An incomplete frame at EOF is dropped,
// never surfaced as a frame; this lets callers log what was discarded.
func (d *SSEDecoder) Rest() string { return d.buf.String() }

// parseFrame parses one boundary-delimited block. Frames that carry no data
// (comments, keep-alives, bare event lines) are skipped.
func parseFrame(block string) (Frame, bool) {
	var f Frame
	var data []string

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "{"), strings.HasPrefix(line, "["):
			// Some gateways emit raw JSON lines without the data: prefix.
			data = append(data, line)
		}
	}

	if len(data) == 0 {
		return Frame{}, false
	}
	f.Data = strings.Join(data, "\n")
	return f, true
}

// DecodeSSE reads frames from r until EOF, invoking fn per frame. A non-nil
// error from fn stops the read early and is returned.
func DecodeSSE(r io.Reader, fn func(Frame) error) error {
	var dec SSEDecoder
	br := bufio.NewReaderSize(r, 32*1024)
	buf := make([]byte, 16*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				if ferr := fn(f); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
