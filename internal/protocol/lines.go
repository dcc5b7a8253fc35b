package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxLineSize bounds one message line, newline included.
const MaxLineSize = 1 << 20

var ErrLineTooLong = errors.New("message line too long")

// LineReader splits a stream into newline-delimited messages. A line over
// the limit is consumed and reported as ErrLineTooLong, and reading can go
// on with the next line.
type LineReader struct {
	r   *bufio.Reader
	max int
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024), max: MaxLineSize}
}

// Next returns the next line without its line ending, or io.EOF once the
// stream is exhausted.
func (lr *LineReader) Next() ([]byte, error) {
	var line []byte
	tooLong := false

	for {
		chunk, err := lr.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > lr.max {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, ErrLineTooLong
			}
			if len(line) > 0 {
				return line, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}
