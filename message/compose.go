// Package message composes wire-format mail messages: headers, text parts
// and MIME multiparts for attachments, and permissive address extraction for
// the loosely formatted recipient headers the queue receives.
package message

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

var (
	ErrMessageSize = errors.New("message too large")
	ErrCompose     = errors.New("compose")
)

// Composer helps compose a message. Operations that fail call panic, which
// should be caught with recover(), checking for ErrCompose and optionally
// ErrMessageSize. Writes are buffered.
type Composer struct {
	Has8bit bool  // Whether message contains 8bit data.
	Size    int64 // Total bytes written.

	bw      *bufio.Writer
	maxSize int64 // If greater than zero, writes beyond maximum size raise ErrMessageSize.
}

// NewComposer initializes a new composer with a buffered writer around w, and
// with a maximum message size if maxSize is greater than zero.
func NewComposer(w io.Writer, maxSize int64) *Composer {
	return &Composer{bw: bufio.NewWriter(w), maxSize: maxSize}
}

// Write implements io.Writer, but calls panic (handled higher up) on i/o
// errors.
func (c *Composer) Write(buf []byte) (int, error) {
	if c.maxSize > 0 && c.Size+int64(len(buf)) > c.maxSize {
		c.Checkf(ErrMessageSize, "writing message")
	}
	n, err := c.bw.Write(buf)
	if n > 0 {
		c.Size += int64(n)
	}
	c.Checkf(err, "write")
	return n, nil
}

// Checkf checks err, panicking with a sentinel error value.
func (c *Composer) Checkf(err error, format string, args ...any) {
	if err != nil {
		// Expose the original error too, needed at least for ErrMessageSize.
		panic(fmt.Errorf("%w: %w: %v", ErrCompose, err, fmt.Sprintf(format, args...)))
	}
}

// Flush writes any buffered output.
func (c *Composer) Flush() {
	err := c.bw.Flush()
	c.Checkf(err, "flush")
}

// Header writes a message header.
func (c *Composer) Header(k, v string) {
	fmt.Fprintf(c, "%s: %s\r\n", k, v)
}

// NameAddress holds an address display name and the address itself.
type NameAddress struct {
	DisplayName string
	Address     string
}

// HeaderAddrs writes a message header with addresses, folding long lines.
func (c *Composer) HeaderAddrs(k string, l []NameAddress) {
	if len(l) == 0 {
		return
	}
	v := ""
	linelen := len(k) + len(": ")
	for _, a := range l {
		if v != "" {
			v += ","
			linelen++
		}
		addr := mail.Address{Name: a.DisplayName, Address: a.Address}
		s := addr.String()
		if v != "" && linelen+1+len(s) > 77 {
			v += "\r\n\t"
			linelen = 1
		} else if v != "" {
			v += " "
			linelen++
		}
		v += s
		linelen += len(s)
	}
	fmt.Fprintf(c, "%s: %s\r\n", k, v)
}

// Subject writes a Subject header, encoding and folding where needed.
func (c *Composer) Subject(subject string) {
	var subjectValue string
	subjectLineLen := len("Subject: ")
	subjectWord := false
	for i, word := range strings.Split(subject, " ") {
		if !isASCII(word) {
			word = mime.QEncoding.Encode("utf-8", word)
		}
		if i > 0 {
			subjectValue += " "
			subjectLineLen++
		}
		if subjectWord && subjectLineLen+len(word) > 77 {
			subjectValue += "\r\n\t"
			subjectLineLen = 1
		}
		subjectValue += word
		subjectLineLen += len(word)
		subjectWord = true
	}
	c.Header("Subject", subjectValue)
}

// Line writes an empty line.
func (c *Composer) Line() {
	_, _ = c.Write([]byte("\r\n"))
}

// TextPart prepares a text part to be added. Text should contain lines
// terminated with newlines (lf), which are replaced with crlf. The returned
// text may be quoted-printable, if needed. The returned ct and cte headers
// are for use with Content-Type and Content-Transfer-Encoding.
func (c *Composer) TextPart(subtype, text string) (textBody []byte, ct, cte string) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n", "\r\n")
	charset := "us-ascii"
	if !isASCII(text) {
		charset = "utf-8"
	}
	if needsQuotedPrintable(text) {
		var sb strings.Builder
		qw := quotedprintable.NewWriter(&sb)
		_, err := io.Copy(qw, strings.NewReader(text))
		if err == nil {
			err = qw.Close()
		}
		c.Checkf(err, "converting text to quoted printable")
		text = sb.String()
		cte = "quoted-printable"
	} else if c.Has8bit || charset == "utf-8" {
		cte = "8bit"
	} else {
		cte = "7bit"
	}

	ct = mime.FormatMediaType("text/"+subtype, map[string]string{"charset": charset})
	return []byte(text), ct, cte
}

// AttachmentPart writes an attachment as base64, with content-type and
// disposition headers. Call within a multipart, after writing the boundary
// line.
func (c *Composer) AttachmentPart(filename, contentType string, data []byte) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", mime.FormatMediaType(contentType, map[string]string{"name": filename}))
	c.Header("Content-Transfer-Encoding", "base64")
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	c.Line()
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := len(enc)
		if n > 76 {
			n = 76
		}
		_, _ = c.Write([]byte(enc[:n]))
		_, _ = c.Write([]byte("\r\n"))
		enc = enc[n:]
	}
}

func isASCII(s string) bool {
	for _, c := range s {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

func needsQuotedPrintable(text string) bool {
	// ^From is escaped in mboxes, and lines should not be too long.
	for _, line := range strings.Split(text, "\r\n") {
		if len(line) > 78 || strings.HasPrefix(line, "From ") {
			return true
		}
	}
	return !isASCII(text)
}
