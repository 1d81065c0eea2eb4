// Package frame splits a streamed response body into the JSON documents it carries.
// Documents are separated by a literal delimiter; the last one may be unterminated.
package frame

import (
	"bufio"
	"bytes"
	"io"
)

const (
	DefaultDelimiter = "\r\n"
	MaxFrameSize     = 8 << 20
)

// SplitFunc returns a bufio.SplitFunc yielding everything between delimiters. A
// non-empty remainder at EOF is yielded as the final token. With an empty delimiter
// the whole stream is a single token.
func SplitFunc(delim string) bufio.SplitFunc {
	sep := []byte(delim)
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if len(sep) > 0 {
			if i := bytes.Index(data, sep); i >= 0 {
				return i + len(sep), data[:i], nil
			}
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader, delim string) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	s.Split(SplitFunc(delim))
	return &Reader{scanner: s}
}

// Next returns the next non-empty frame, or io.EOF once the stream is exhausted.
func (r *Reader) Next() (string, error) {
	for r.scanner.Scan() {
		if tok := r.scanner.Bytes(); len(tok) > 0 {
			return string(tok), nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Split is a convenience over Reader for fully buffered bodies.
func Split(body, delim string) []string {
	var frames []string
	r := NewReader(bytes.NewBufferString(body), delim)
	for {
		f, err := r.Next()
		if err != nil {
			return frames
		}
		frames = append(frames, f)
	}
}
