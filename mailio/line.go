package mailio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Returned by Readline for a line exceeding the maximum length. SMTP response
// lines have a modest maximum, anything longer means a broken or malicious
// peer and the connection cannot be recovered.
var ErrLineTooLong = errors.New("line from remote too long")

const maxLineLen = 2 * 1024

// Readline reads a \n- or \r\n-terminated line, returned without the line
// ending. If no newline is seen within the maximum line length,
// ErrLineTooLong is returned. An EOF before any newline is returned as
// io.ErrUnexpectedEOF.
func Readline(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		if len(line) >= maxLineLen {
			return "", fmt.Errorf("%w: no newline after %d bytes", ErrLineTooLong, len(line))
		}
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if c == '\n' {
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return string(line), nil
		}
		line = append(line, c)
	}
}
