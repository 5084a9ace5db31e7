package mailio

import (
	"io"
	"net"
)

// PrefixConn is a net.Conn with a buffer from which the first reads are
// satisfied. Used for STARTTLS, where already-buffered bytes must be fed into
// the TLS handshake.
type PrefixConn struct {
	PrefixReader io.Reader // If not nil, reads are fulfilled from here. It is cleared when a read returns io.EOF.
	net.Conn
}

// Read returns data from PrefixReader if not yet exhausted, otherwise from the
// underlying connection.
func (c *PrefixConn) Read(buf []byte) (int, error) {
	if c.PrefixReader != nil {
		n, err := c.PrefixReader.Read(buf)
		if err == io.EOF {
			c.PrefixReader = nil
		}
		if n > 0 {
			return n, nil
		}
	}
	return c.Conn.Read(buf)
}
