package telnet

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxLineLen bounds a single inbound line. The device emits short status and
// telemetry lines; anything beyond this is malformed input.
const maxLineLen = 64 * 1024

// lineReader reads terminator-delimited text lines from the device stream.
//
// Outbound lines always carry the configured terminator, but devices are not
// consistent about inbound endings, so the reader accepts CR/LF, bare LF and
// bare CR and strips them from the returned line.
//
// lineReader is NOT goroutine-safe. Only the session's receiver task reads
// from it, consistent with the single-receiver design of the session.
type lineReader struct {
	r *bufio.Reader
	// delim is the byte the underlying reader scans to: '\r' when the
	// configured terminator is a bare CR, '\n' otherwise.
	delim byte
}

func newLineReader(r io.Reader, terminator string) *lineReader {
	delim := byte('\n')
	if terminator == "\r" {
		delim = '\r'
	}

	return &lineReader{
		r:     bufio.NewReaderSize(r, 4096),
		delim: delim,
	}
}

// ReadLine reads one complete line from the stream, blocking until the
// delimiter arrives or the stream fails. The returned line has its
// terminator and surrounding whitespace stripped; it may be empty.
//
// The line is accumulated buffer by buffer so a terminator-less stream
// cannot grow memory without bound: once the accumulated bytes exceed
// maxLineLen, ReadLine fails with ErrLineTooLong. Other errors are returned
// verbatim from the underlying reader; the caller is responsible for
// classifying them (io.EOF means the peer closed).
func (lr *lineReader) ReadLine() (string, error) {
	var line []byte

	for {
		chunk, err := lr.r.ReadSlice(lr.delim)
		line = append(line, chunk...)

		if len(line) > maxLineLen {
			return "", fmt.Errorf("%w: %d bytes without terminator", ErrLineTooLong, len(line))
		}

		if err == nil {
			return strings.TrimSpace(string(line)), nil
		}

		if !errors.Is(err, bufio.ErrBufferFull) {
			// A partial line before the error is dropped; without its
			// terminator it cannot be attributed reliably.
			return "", err
		}
	}
}
