// Package smtpclient implements an SMTP session for delivering messages to a
// configured smarthost transport.
//
// A session wraps a TCP connection: optionally with immediate TLS or a
// STARTTLS upgrade, optionally authenticating with a SASL mechanism or a TLS
// client certificate, then delivering one or more messages with MAIL
// FROM/RCPT TO/DATA transactions. The queue opens one session per sub-batch
// of messages resolving to the same transport.
package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mailout/mailout/mailio"
	"github.com/mailout/mailout/mlog"
	"github.com/mailout/mailout/sasl"
	"github.com/mailout/mailout/smtp"
)

var (
	ErrSize                = errors.New("message too large for remote smtp server") // Remote announced a maximum message size and the message exceeds it.
	Err8bitmimeUnsupported = errors.New("remote smtp server does not implement 8bitmime extension, required by message")
	ErrStatus              = errors.New("remote smtp server sent unexpected response status code") // E.g. when a 250 OK was expected and server sent 451.
	ErrProtocol            = errors.New("smtp protocol error")                                     // After a malformed or inconsistent response.
	ErrTLS                 = errors.New("tls error")                                               // Handshake failure, or hostname verification failed.
	ErrAuth                = errors.New("authentication failed")
	ErrBotched             = errors.New("smtp connection is botched") // Set on a client after an i/o error or malformed response.
	ErrClosed              = errors.New("client is closed")
)

// Timeout for each network operation: connect, TLS handshake, and each
// command/response exchange. Exceeding it is a transient transport failure.
const CommandTimeout = 30 * time.Second

// TLSMode indicates how TLS is established on a session.
type TLSMode string

const (
	// TLS immediately on the TCP connection ("implicit TLS"), no STARTTLS.
	TLSImmediate TLSMode = "immediate"

	// STARTTLS is always attempted, even if the server does not announce
	// support, and the connection fails if the upgrade fails.
	TLSRequiredStartTLS TLSMode = "requiredstarttls"

	// No TLS at all.
	TLSSkip TLSMode = "skip"
)

// Client is an SMTP client on an established session.
//
// Use New to make a new client.
type Client struct {
	// origConn is the original (TCP) connection. We read from/write to conn,
	// which can be wrapped in a tls.Client. We close origConn instead of conn
	// because closing the TLS connection would send a close notification which
	// may block for several seconds if the server isn't reading it.
	origConn       net.Conn
	conn           net.Conn
	tlsVerifyPKIX  bool
	remoteHostname string // For SNI and certificate verification.
	clientCert     *tls.Certificate
	rootCAs        *x509.CertPool

	r       *bufio.Reader
	w       *bufio.Writer
	tr      *mailio.TraceReader // Kept for changing trace levels between cmd/auth/data.
	tw      *mailio.TraceWriter
	log     mlog.Log
	lastlog time.Time // For adding delta timestamps between log lines.
	cmds    []string  // Last or active command, for errors.
	tls     bool      // Whether connection is TLS protected.

	botched  bool // If set, protocol is out of sync and no further commands can be sent.
	needRset bool // If set, a new delivery requires an RSET command.

	remoteHelo        string // From 220 greeting line.
	extEcodes         bool   // Remote sends extended error codes.
	extStartTLS       bool
	ext8bitmime       bool
	extSize           bool  // Remote supports SIZE parameter.
	maxSize           int64 // Max size of email message, if extSize.
	extAuthMechanisms []string
}

// Error represents a failure to deliver a message.
//
// Code, Secode, Command and Line are only set for SMTP-level errors, and are
// zero values otherwise.
type Error struct {
	// Whether failure is permanent, typically because of a 5xx response.
	Permanent bool
	// SMTP response status, e.g. 4xx for transient and 5xx for permanent failure.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g. for
	// i/o errors or when the remote does not send enhanced codes. If remote
	// responds with "550 5.7.1 ...", the Secode is "7.1".
	Secode string
	// SMTP command causing failure.
	Command string
	// Full SMTP response line excluding CRLF, for errors due to SMTP responses.
	// First line of a multi-line response.
	Line string
	// Optional additional lines for multi-line SMTP responses.
	MoreLines []string
	// Underlying error, e.g. one of the Err variables in this package, or an
	// i/o error.
	Err error
}

// Response is a non-error SMTP response, used for per-recipient results.
type Response Error

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Opts influence behaviour of Client.
type Opts struct {
	// If non-nil, authentication is done with the returned SASL client. The
	// function should select the preferred mechanism, from the mechanisms
	// (upper case) announced by the server. If no mechanism is supported, a
	// nil client and nil error can be returned, and the connection will fail.
	Auth func(mechanisms []string) (sasl.Client, error)

	// If set, the TLS client certificate is presented during the handshake.
	// The certificate must have been checked against its private key
	// beforehand.
	ClientCert *tls.Certificate

	// If not nil, used instead of the system roots for PKIX verification.
	RootCAs *x509.CertPool
}

// New initializes an SMTP session on the given connection, returning a client
// that can be used to deliver messages.
//
// New optionally starts TLS, reads the server greeting, identifies itself
// with EHLO or HELO, upgrades with STARTTLS if the mode asks for it, and
// optionally authenticates. If successful, a client is returned on which
// eventually Close must be called. Otherwise an error is returned and the
// caller is responsible for closing the connection.
//
// tlsVerifyPKIX indicates whether TLS certificates must be validated against
// the PKIX roots and the remote hostname ("strict" transport modes). Without
// it, TLS still encrypts but any certificate is accepted.
func New(ctx context.Context, elog *slog.Logger, conn net.Conn, tlsMode TLSMode, tlsVerifyPKIX bool, ehloHostname, remoteHostname string, opts Opts) (*Client, error) {
	c := &Client{
		origConn:       conn,
		tlsVerifyPKIX:  tlsVerifyPKIX,
		remoteHostname: remoteHostname,
		clientCert:     opts.ClientCert,
		rootCAs:        opts.RootCAs,
		lastlog:        time.Now(),
		cmds:           []string{"(none)"},
	}
	c.log = mlog.New("smtpclient", elog).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})

	if tlsMode == TLSImmediate {
		config := c.tlsConfig()
		tlsconn := tls.Client(conn, config)
		tctx, cancel := context.WithTimeout(ctx, CommandTimeout)
		defer cancel()
		if err := tlsconn.HandshakeContext(tctx); err != nil {
			return nil, fmt.Errorf("%w: immediate tls handshake: %v", ErrTLS, err)
		}
		c.conn = tlsconn
		version, ciphersuite := mailio.TLSInfo(tlsconn.ConnectionState())
		c.log.Debug("tls client handshake done",
			slog.String("version", version),
			slog.String("ciphersuite", ciphersuite),
			slog.String("servername", remoteHostname))
		c.tls = true
	} else {
		c.conn = conn
	}

	// We don't wrap reads in a timeout reader because a TLS wrapper may do
	// reads the client didn't ask for. Read deadlines are set per readline.
	c.tr = mailio.NewTraceReader(c.log, "RS: ", c.conn)
	c.r = bufio.NewReader(c.tr)
	c.tw = mailio.NewTraceWriter(c.log, "LC: ", timeoutWriter{c.conn, CommandTimeout, c.log})
	c.w = bufio.NewWriter(c.tw)

	if err := c.hello(ctx, tlsMode, ehloHostname, opts.Auth); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) tlsConfig() *tls.Config {
	var certs []tls.Certificate
	if c.clientCert != nil {
		certs = []tls.Certificate{*c.clientCert}
	}

	return &tls.Config{
		ServerName:         c.remoteHostname, // For SNI and, when verifying, hostname verification.
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.tlsVerifyPKIX,
		RootCAs:            c.rootCAs,
		Certificates:       certs,
	}
}

// xbotchf generates a temporary error and marks the client as botched, e.g.
// for i/o errors or invalid protocol messages.
func (c *Client) xbotchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.botchf(code, secode, firstLine, moreLines, format, args...))
}

func (c *Client) botchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, secode, firstLine, moreLines, format, args...)
}

func (c *Client) errorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) error {
	var cmd string
	if len(c.cmds) > 0 {
		cmd = c.cmds[0]
	}
	return Error{permanent, code, secode, cmd, firstLine, moreLines, fmt.Errorf(format, args...)}
}

func (c *Client) xerrorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.errorf(permanent, code, secode, firstLine, moreLines, format, args...))
}

// timeoutWriter sets a write deadline on conn before each write.
type timeoutWriter struct {
	conn    net.Conn
	timeout time.Duration
	log     mlog.Log
}

func (w timeoutWriter) Write(buf []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		w.log.Errorx("setting write deadline", err)
	}

	return w.conn.Write(buf)
}

func (c *Client) readline() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(CommandTimeout)); err != nil {
		c.log.Errorx("setting read deadline", err)
	}

	line, err := mailio.Readline(c.r)
	if err != nil {
		return line, c.botchf(0, "", "", nil, "%s: %w", strings.Join(c.cmds, ","), err)
	}
	return line, nil
}

func (c *Client) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

func (c *Client) xwritelinef(format string, args ...any) {
	c.xwriteline(fmt.Sprintf(format, args...))
}

func (c *Client) xwriteline(line string) {
	_, err := fmt.Fprintf(c.w, "%s\r\n", line)
	if err != nil {
		c.xbotchf(0, "", "", nil, "write: %w", err)
	}
	c.xflush()
}

func (c *Client) xflush() {
	err := c.w.Flush()
	if err != nil {
		c.xbotchf(0, "", "", nil, "writes: %w", err)
	}
}

// read response, possibly multiline, with extended codes based on client
// configuration.
func (c *Client) xread() (code int, secode, firstLine string, moreLines []string) {
	var err error
	code, secode, firstLine, moreLines, err = c.read()
	if err != nil {
		panic(err)
	}
	return
}

func (c *Client) read() (code int, secode, firstLine string, moreLines []string, rerr error) {
	code, secode, _, firstLine, moreLines, _, rerr = c.readecode(c.extEcodes)
	return
}

// read response, possibly multiline. if ecodes, extended codes are parsed.
func (c *Client) readecode(ecodes bool) (code int, secode, lastText, firstLine string, moreLines, moreTexts []string, rerr error) {
	first := true
	for {
		co, sec, text, line, last, err := c.read1(ecodes)
		if first {
			firstLine = line
			first = false
		} else if line != "" {
			moreLines = append(moreLines, line)
			if text != "" {
				moreTexts = append(moreTexts, text)
			}
		}
		if err != nil {
			rerr = err
			return
		}
		if code != 0 && co != code {
			err := c.botchf(0, "", firstLine, moreLines, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, code, co)
			return 0, "", "", "", nil, nil, err
		}
		code = co
		if last {
			if code != smtp.C334ContinueAuth {
				cmd := ""
				if len(c.cmds) > 0 {
					cmd = c.cmds[0]
					// We only keep the last, so we're not creating new slices all the time.
					if len(c.cmds) > 1 {
						c.cmds = c.cmds[1:]
					}
				}
				c.log.Debug("smtpclient command result",
					slog.String("cmd", cmd),
					slog.Int("code", co),
					slog.String("secode", sec))
			}
			return co, sec, text, firstLine, moreLines, moreTexts, nil
		}
	}
}

func (c *Client) xreadecode(ecodes bool) (code int, secode, lastText, firstLine string, moreLines, moreTexts []string) {
	var err error
	code, secode, lastText, firstLine, moreLines, moreTexts, err = c.readecode(ecodes)
	if err != nil {
		panic(err)
	}
	return
}

// read single response line. if ecodes, extended codes are parsed.
func (c *Client) read1(ecodes bool) (code int, secode, text, line string, last bool, rerr error) {
	line, rerr = c.readline()
	if rerr != nil {
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = c.botchf(0, "", line, nil, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = c.botchf(0, "", line, nil, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	major := code / 100
	s := line[3:]
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, " ") {
		last = s[0] == ' '
		s = s[1:]
	} else if s == "" {
		// Allow missing space after the code.
		last = true
	} else {
		rerr = c.botchf(0, "", line, nil, "%w: expected space or dash after response code: %s", ErrProtocol, line)
		return
	}

	if ecodes {
		secode, s = parseEcode(major, s)
	}

	return code, secode, s, line, last, nil
}

func parseEcode(major int, s string) (secode string, remain string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	take(false, ' ', ' ')
	if bad || int(s[0])-int('0') != major {
		return "", s
	}
	return secode, s[o:]
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		panic(x)
	}
	*rerr = cerr
}

func (c *Client) hello(ctx context.Context, tlsMode TLSMode, ehloHostname string, auth func(mechanisms []string) (sasl.Client, error)) (rerr error) {
	defer c.recover(&rerr)

	// Perform EHLO handshake, falling back to HELO if server does not appear
	// to implement EHLO.
	hello := func(heloOK bool) {
		c.cmds[0] = "ehlo"
		c.xwritelinef("EHLO %s", ehloHostname)
		code, _, _, firstLine, moreLines, moreTexts := c.xreadecode(false)
		switch code {
		case smtp.C500BadSyntax, smtp.C501BadParamSyntax, smtp.C502CmdNotImpl, smtp.C503BadCmdSeq, smtp.C504ParamNotImpl:
			if !heloOK {
				c.xerrorf(true, code, "", firstLine, moreLines, "%w: remote claims ehlo is not supported", ErrProtocol)
			}
			c.cmds[0] = "helo"
			c.xwritelinef("HELO %s", ehloHostname)
			code, _, _, firstLine, _, _ = c.xreadecode(false)
			if code != smtp.C250Completed {
				c.xerrorf(code/100 == 5, code, "", firstLine, moreLines, "%w: expected 250 to HELO, got %d", ErrStatus, code)
			}
			return
		case smtp.C250Completed:
		default:
			c.xerrorf(code/100 == 5, code, "", firstLine, moreLines, "%w: expected 250, got %d", ErrStatus, code)
		}
		for _, s := range moreTexts {
			s = strings.ToUpper(strings.TrimSpace(s))
			switch s {
			case "STARTTLS":
				c.extStartTLS = true
			case "ENHANCEDSTATUSCODES":
				c.extEcodes = true
			case "8BITMIME":
				c.ext8bitmime = true
			default:
				if strings.HasPrefix(s, "SIZE ") {
					c.extSize = true
					if v, err := strconv.ParseInt(s[len("SIZE "):], 10, 64); err == nil {
						c.maxSize = v
					}
				} else if strings.HasPrefix(s, "AUTH ") {
					c.extAuthMechanisms = strings.Split(s[len("AUTH "):], " ")
				}
			}
		}
	}

	// Read greeting.
	c.cmds = []string{"(greeting)"}
	code, _, _, firstLine, moreLines, _ := c.xreadecode(false)
	if code != smtp.C220ServiceReady {
		c.xerrorf(code/100 == 5, code, "", firstLine, moreLines, "%w: expected 220, got %d", ErrStatus, code)
	}
	_, c.remoteHelo, _ = strings.Cut(firstLine, " ")

	// Write EHLO, falling back to HELO if server doesn't appear to support it.
	hello(true)

	// Attempt TLS if the mode asks for the explicit upgrade. The upgrade is
	// attempted even when the server does not announce STARTTLS, failing at
	// that point rather than silently transmitting in clear text.
	if tlsMode == TLSRequiredStartTLS {
		c.log.Debug("starting tls client", slog.Any("tlsmode", tlsMode), slog.String("servername", c.remoteHostname))
		c.cmds[0] = "starttls"
		c.xwriteline("STARTTLS")
		code, secode, firstLine, _ := c.xread()
		if code != smtp.C220ServiceReady {
			c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: STARTTLS: got %d, expected 220", ErrTLS, code)
		}

		// We don't want to do TLS on top of c.r because it also prints
		// protocol traces: we don't want to log the TLS stream. So we do TLS
		// on the underlying connection, making sure any bytes already read
		// and buffered are used for the handshake.
		conn := c.conn
		if n := c.r.Buffered(); n > 0 {
			conn = &mailio.PrefixConn{
				PrefixReader: io.LimitReader(c.r, int64(n)),
				Conn:         conn,
			}
		}

		tlsConfig := c.tlsConfig()
		nconn := tls.Client(conn, tlsConfig)
		c.conn = nconn

		nctx, cancel := context.WithTimeout(ctx, CommandTimeout)
		defer cancel()
		err := nconn.HandshakeContext(nctx)
		if err != nil {
			c.xerrorf(false, 0, "", "", nil, "%w: STARTTLS TLS handshake: %s", ErrTLS, err)
		}
		cancel()
		c.tr = mailio.NewTraceReader(c.log, "RS: ", c.conn)
		c.tw = mailio.NewTraceWriter(c.log, "LC: ", c.conn) // No need for timeoutWriter, deadlines are still set on the underlying connection.
		c.r = bufio.NewReader(c.tr)
		c.w = bufio.NewWriter(c.tw)

		version, ciphersuite := mailio.TLSInfo(nconn.ConnectionState())
		c.log.Debug("starttls client handshake done",
			slog.Any("tlsmode", tlsMode),
			slog.Bool("verifypkix", c.tlsVerifyPKIX),
			slog.String("version", version),
			slog.String("ciphersuite", ciphersuite),
			slog.String("servername", c.remoteHostname))
		c.tls = true

		hello(false)
	}

	if auth != nil {
		return c.auth(auth)
	}
	return
}

// RFC 4954.
func (c *Client) auth(auth func(mechanisms []string) (sasl.Client, error)) (rerr error) {
	defer c.recover(&rerr)

	c.cmds[0] = "auth"

	mechanisms := make([]string, len(c.extAuthMechanisms))
	for i, m := range c.extAuthMechanisms {
		mechanisms[i] = strings.ToUpper(m)
	}
	a, err := auth(mechanisms)
	if err != nil {
		c.xerrorf(true, 0, "", "", nil, "%w: get authentication mechanism: %s, server supports %s", ErrAuth, err, strings.Join(c.extAuthMechanisms, ", "))
	} else if a == nil {
		c.xerrorf(true, 0, "", "", nil, "%w: no matching authentication mechanisms, server supports %s", ErrAuth, strings.Join(c.extAuthMechanisms, ", "))
	}
	name, cleartextCreds := a.Info()

	abort := func() (int, string, string, []string) {
		// Abort authentication.
		c.xwriteline("*")

		// Server must respond with 501.
		code, secode, firstLine, moreLines := c.xread()
		if code != smtp.C501BadParamSyntax {
			c.botched = true
		}
		return code, secode, firstLine, moreLines
	}

	toserver, last, err := a.Next(nil)
	if err != nil {
		c.xerrorf(false, 0, "", "", nil, "%w: initial step in auth mechanism %s: %s", ErrAuth, name, err)
	}
	if cleartextCreds {
		defer c.xtrace(mlog.LevelTraceauth)()
	}
	if toserver == nil {
		c.xwriteline("AUTH " + name)
	} else if len(toserver) == 0 {
		c.xwriteline("AUTH " + name + " =")
	} else {
		c.xwriteline("AUTH " + name + " " + base64.StdEncoding.EncodeToString(toserver))
	}
	for {
		if cleartextCreds && last {
			c.xtrace(mlog.LevelTrace) // Restore.
		}

		code, secode, lastText, firstLine, moreLines, _ := c.xreadecode(last)
		if code == smtp.C235AuthSuccess {
			if !last {
				c.xerrorf(false, code, secode, firstLine, moreLines, "server completed authentication earlier than client expected")
			}
			return nil
		} else if code == smtp.C334ContinueAuth {
			if last {
				c.xerrorf(false, code, secode, firstLine, moreLines, "server requested unexpected continuation of authentication")
			}
			if len(moreLines) > 0 {
				abort()
				c.xerrorf(false, code, secode, firstLine, moreLines, "server responded with multiline continuation")
			}
			fromserver, err := base64.StdEncoding.DecodeString(lastText)
			if err != nil {
				abort()
				c.xerrorf(false, code, secode, firstLine, moreLines, "malformed base64 data in authentication continuation response")
			}
			toserver, last, err = a.Next(fromserver)
			if err != nil {
				xcode, xsecode, xfirstLine, xmoreLines := abort()
				c.xerrorf(false, xcode, xsecode, xfirstLine, xmoreLines, "%w: client aborted authentication: %s", ErrAuth, err)
			}
			c.xwriteline(base64.StdEncoding.EncodeToString(toserver))
		} else {
			c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: unexpected response during authentication, expected 334 continue or 235 auth success", ErrAuth)
		}
	}
}

// Supports8BITMIME returns whether the remote supports the 8BITMIME
// extension, needed for sending data with non-ASCII bytes.
func (c *Client) Supports8BITMIME() bool {
	return c.ext8bitmime
}

// SupportsStartTLS returns whether the remote supports STARTTLS.
func (c *Client) SupportsStartTLS() bool {
	return c.extStartTLS
}

// MaxSize returns the maximum message size the remote announced with the
// SIZE extension, or 0 when unknown.
func (c *Client) MaxSize() int64 {
	if c.extSize {
		return c.maxSize
	}
	return 0
}

// TLSEnabled returns whether the session is TLS protected.
func (c *Client) TLSEnabled() bool {
	return c.tls
}

// Deliver attempts to deliver a message to a single recipient.
// See DeliverMultiple.
func (c *Client) Deliver(ctx context.Context, mailFrom string, rcptTo string, msgSize int64, msg io.Reader, req8bitmime bool) (rerr error) {
	_, err := c.DeliverMultiple(ctx, mailFrom, []string{rcptTo}, msgSize, msg, req8bitmime)
	return err
}

var errNoRecipients = errors.New("no recipients accepted in transaction")

// DeliverMultiple attempts to deliver a message to multiple recipients over
// one transaction. Errors about the entire transaction, such as i/o errors or
// error responses to the MAIL FROM or DATA commands, are returned as a
// non-nil rerr. If rcptTo has a single recipient, an error to the RCPT TO
// command is returned in rerr instead of rcptResps. Otherwise, the SMTP
// response for each recipient is returned in rcptResps.
//
// If the message contains bytes with the high bit set, req8bitmime should be
// true; the remote server must then support the 8BITMIME extension or
// delivery fails.
func (c *Client) DeliverMultiple(ctx context.Context, mailFrom string, rcptTo []string, msgSize int64, msg io.Reader, req8bitmime bool) (rcptResps []Response, rerr error) {
	defer c.recover(&rerr)

	if len(rcptTo) == 0 {
		return nil, fmt.Errorf("need at least one recipient")
	}

	if c.origConn == nil {
		return nil, ErrClosed
	} else if c.botched {
		return nil, ErrBotched
	} else if c.needRset {
		if err := c.Reset(); err != nil {
			return nil, err
		}
	}

	if !c.ext8bitmime && req8bitmime {
		c.xerrorf(true, 0, "", "", nil, "%w", Err8bitmimeUnsupported)
	}

	// Max size enforced only when one was announced.
	if c.extSize && c.maxSize > 0 && msgSize > c.maxSize {
		c.xerrorf(true, 0, "", "", nil, "%w: message is %d bytes, remote has a %d bytes maximum size", ErrSize, msgSize, c.maxSize)
	}

	var mailSize, bodyType string
	if c.extSize {
		mailSize = fmt.Sprintf(" SIZE=%d", msgSize)
	}
	if c.ext8bitmime {
		if req8bitmime {
			bodyType = " BODY=8BITMIME"
		} else {
			bodyType = " BODY=7BIT"
		}
	}

	// We are going into a transaction. Cleared once done.
	c.needRset = true

	c.cmds[0] = "mailfrom"
	c.xwritelinef("MAIL FROM:<%s>%s%s", mailFrom, mailSize, bodyType)
	code, secode, firstLine, moreLines := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}

	rcptResps = make([]Response, len(rcptTo))
	nok := 0
	for i, rcpt := range rcptTo {
		c.cmds[0] = "rcptto"
		c.xwritelinef("RCPT TO:<%s>", rcpt)
		code, secode, firstLine, moreLines = c.xread()
		if i > 0 && (code == smtp.C452StorageFull || code == smtp.C552MailboxFull) {
			// Remote doesn't accept more recipients for this transaction.
			// Don't send more, give remaining recipients the same result.
			for j := i; j < len(rcptTo); j++ {
				rcptResps[j] = Response{false, code, secode, "rcptto", firstLine, moreLines, fmt.Errorf("no more recipients accepted in transaction")}
			}
			break
		}
		var err error
		if code == smtp.C250Completed {
			nok++
		} else {
			err = fmt.Errorf("%w: got %d, expected 2xx", ErrStatus, code)
		}
		// 552 is historically treated as temporary.
		rcptResps[i] = Response{code/100 == 5 && code != smtp.C552MailboxFull, code, secode, "rcptto", firstLine, moreLines, err}
	}

	if nok == 0 {
		if len(rcptTo) == 1 {
			panic(Error(rcptResps[0]))
		}
		c.xerrorf(false, 0, "", "", nil, "%w", errNoRecipients)
	}

	c.cmds[0] = "data"
	c.xwriteline("DATA")
	code, secode, firstLine, moreLines = c.xread()
	if code != smtp.C354Continue {
		c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: got %d, expected 354", ErrStatus, code)
	}

	defer c.xtrace(mlog.LevelTracedata)()
	err := smtp.DataWrite(c.w, msg)
	if err != nil {
		c.xbotchf(0, "", "", nil, "writing message as smtp data: %w", err)
	}
	c.xflush()
	c.xtrace(mlog.LevelTrace) // Restore.
	code, secode, firstLine, moreLines = c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}

	c.needRset = false
	return
}

// Check performs a no-op envelope round trip: MAIL FROM with the given
// sender, followed by RSET. No recipients are named and no data is
// transferred. Used for diagnosing a transport configuration.
func (c *Client) Check(ctx context.Context, mailFrom string) (rerr error) {
	defer c.recover(&rerr)

	if c.origConn == nil {
		return ErrClosed
	} else if c.botched {
		return ErrBotched
	}

	c.cmds[0] = "mailfrom"
	c.needRset = true
	c.xwritelinef("MAIL FROM:<%s>", mailFrom)
	code, secode, firstLine, moreLines := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}
	return c.Reset()
}

// Reset sends an SMTP RSET command to reset the message transaction state.
// Deliver automatically sends it if needed.
func (c *Client) Reset() (rerr error) {
	if c.origConn == nil {
		return ErrClosed
	} else if c.botched {
		return ErrBotched
	}

	defer c.recover(&rerr)

	c.cmds[0] = "rset"
	c.xwriteline("RSET")
	code, secode, firstLine, moreLines := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(code/100 == 5, code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}
	c.needRset = false
	return
}

// Botched returns whether this connection is botched, e.g. a protocol error
// occurred and the connection is in unknown state, and cannot be used for
// further deliveries.
func (c *Client) Botched() bool {
	return c.botched || c.origConn == nil
}

// Close cleans up the client, closing the underlying connection.
//
// If the connection is initialized and not botched, a QUIT command is sent
// and the response read with a short timeout before closing the underlying
// connection.
//
// Close returns any error encountered during QUIT and closing.
func (c *Client) Close() (rerr error) {
	if c.origConn == nil {
		return ErrClosed
	}

	defer c.recover(&rerr)

	if !c.botched {
		c.cmds[0] = "quit"
		c.xwriteline("QUIT")
		if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			c.log.Infox("setting read deadline for reading quit response", err)
		} else if _, err := mailio.Readline(c.r); err != nil {
			rerr = fmt.Errorf("reading response to quit command: %v", err)
			c.log.Debugx("reading quit response", err)
		}
	}

	err := c.origConn.Close()
	if c.conn != c.origConn {
		// This is the TLS connection. Close will attempt to write a close
		// notification, which fails quickly because the underlying socket was
		// closed.
		c.conn.Close()
	}
	c.origConn = nil
	c.conn = nil
	if rerr == nil {
		rerr = err
	}
	return
}
