package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/proxy"

	"github.com/mailout/mailout/config"
	"github.com/mailout/mailout/mlog"
	"github.com/mailout/mailout/sasl"
	"github.com/mailout/mailout/smtpclient"
	"github.com/mailout/mailout/transport"
)

// ExternalSessionFunc returns a connected, authenticated SMTP client.
// Registered ahead of time by deployment tooling for transports in
// external-session mode.
type ExternalSessionFunc func(ctx context.Context, log mlog.Log) (*smtpclient.Client, error)

var externalSessions = struct {
	sync.Mutex
	m map[string]ExternalSessionFunc
}{m: map[string]ExternalSessionFunc{}}

// RegisterExternalSession makes fn available to transports configured with
// external-session authentication under the given name.
func RegisterExternalSession(name string, fn ExternalSessionFunc) {
	externalSessions.Lock()
	defer externalSessions.Unlock()
	externalSessions.m[name] = fn
}

func externalSession(name string) (ExternalSessionFunc, bool) {
	externalSessions.Lock()
	defer externalSessions.Unlock()
	fn, ok := externalSessions.m[name]
	return fn, ok
}

// session is an open connection to one transport, owned by the sub-batch
// that opened it. It remembers the sender filter and effective sender it was
// opened for, so preparing a message can decide on the anti-spoofing rewrite
// without going back to configuration.
type session struct {
	client          *smtpclient.Client
	transportName   string // "(default)" for the fallback configuration.
	effectiveSender string
	senderFilter    []string
	maxSize         int64 // Pre-flight size limit, minimum of the transport's and the remote's. 0 means no limit.
}

// newSession resolves the effective size limit from the transport
// configuration and what the remote announced.
func newSession(client *smtpclient.Client, t *transport.Transport, effectiveSender string) *session {
	maxSize := t.MaxSize
	if remote := client.MaxSize(); remote > 0 && (maxSize == 0 || remote < maxSize) {
		maxSize = remote
	}
	return &session{client, t.Name, effectiveSender, t.SenderFilter, maxSize}
}

// covers returns whether addr (bare or decorated) is explicitly authorized
// by the sender filter of the session's transport. A session without filter
// entries authorizes no sender of its own; messages over it go out under the
// effective sender the session was opened for.
func (s *session) covers(addr string) bool {
	if len(s.senderFilter) == 0 {
		return false
	}
	t := transport.Transport{SenderFilter: s.senderFilter}
	a, _, ok := transport.Normalize(addr)
	if !ok {
		return false
	}
	return t.CoversSender(a)
}

func (s *session) Close() error {
	return s.client.Close()
}

// defaultTransport turns the process-wide fallback configuration into a
// synthetic transport record so session setup has a single code path.
func defaultTransport(d *config.DefaultTransport) transport.Transport {
	t := transport.Transport{
		Name:         "(default)",
		Active:       true,
		Host:         d.Host,
		Port:         d.Port,
		Encryption:   transport.Encryption(d.Encryption),
		Username:     d.Username,
		Password:     d.Password,
		SenderFilter: d.SenderFilter,
	}
	if t.Encryption == "" {
		t.Encryption = transport.EncNone
	}
	t.AuthMode = transport.AuthNone
	if t.Username != "" {
		t.AuthMode = transport.AuthPassword
	}
	return t
}

// openSession connects and authenticates to t for sending as
// effectiveSender. A nil t means use the fallback configuration from c; if
// none is configured that is a fatal no-transport failure. Connection,
// handshake and authentication problems are transient transport-unavailable
// failures, except TLS and authentication rejections, which will not heal by
// retrying and are classified protocol-rejected.
func openSession(ctx context.Context, log mlog.Log, c config.Dispatch, t *transport.Transport, effectiveSender string) (*session, *Failure) {
	if t == nil {
		if c.Default == nil {
			return nil, failf(FailNoTransport, "no transport records and no default transport configured")
		}
		dt := defaultTransport(c.Default)
		t = &dt
	}

	if t.AuthMode == transport.AuthExternalSession {
		fn, ok := externalSession(t.ExternalSession)
		if !ok {
			return nil, failf(FailNoTransport, "external session %q not registered", t.ExternalSession)
		}
		client, err := fn(ctx, log)
		if err != nil {
			metricConnection.WithLabelValues("error").Inc()
			return nil, failf(FailTransportUnavailable, "external session %q: %v", t.ExternalSession, err)
		}
		metricConnection.WithLabelValues("ok").Inc()
		return newSession(client, t, effectiveSender), nil
	}

	var dialer smtpclient.Dialer = &net.Dialer{}
	if t.SocksAddress != "" {
		socksdialer, err := proxy.SOCKS5("tcp", t.SocksAddress, nil, &net.Dialer{})
		if err != nil {
			return nil, failf(FailTransportUnavailable, "socks dialer: %v", err)
		} else if d, ok := socksdialer.(smtpclient.Dialer); !ok {
			return nil, failf(FailTransportUnavailable, "socks dialer is not a contextdialer")
		} else {
			dialer = d
		}
	}

	conn, err := smtpclient.Dial(ctx, log.Logger, dialer, t.Addr())
	if err != nil {
		metricConnection.WithLabelValues("error").Inc()
		return nil, failf(FailTransportUnavailable, "dialing %s: %v", t.Addr(), err)
	}

	var opts smtpclient.Opts
	switch t.AuthMode {
	case transport.AuthPassword:
		username, password := t.Username, t.Password
		opts.Auth = func(mechanisms []string) (sasl.Client, error) {
			return passwordAuth(username, password, mechanisms)
		}
	case transport.AuthClientCert:
		cert, err := t.ClientCert()
		if err != nil {
			conn.Close()
			return nil, &Failure{FailNoTransport, err}
		}
		opts.ClientCert = cert
	}

	tlsMode, verifyPKIX := t.TLSMode()
	client, err := smtpclient.New(ctx, log.Logger, conn, tlsMode, verifyPKIX, c.EhloHostname, t.Host, opts)
	if err != nil {
		conn.Close()
		metricConnection.WithLabelValues("error").Inc()
		kind := FailTransportUnavailable
		// TLS and authentication rejections are not transient, the
		// configuration or credentials are wrong.
		if errors.Is(err, smtpclient.ErrTLS) || errors.Is(err, smtpclient.ErrAuth) {
			kind = FailProtocolRejected
		}
		return nil, failf(kind, "session to %s: %v", t.Addr(), err)
	}
	metricConnection.WithLabelValues("ok").Inc()
	return newSession(client, t, effectiveSender), nil
}

// passwordAuth picks the strongest SASL mechanism both sides support.
func passwordAuth(username, password string, mechanisms []string) (sasl.Client, error) {
	has := func(name string) bool {
		for _, m := range mechanisms {
			if m == name {
				return true
			}
		}
		return false
	}
	switch {
	case has("SCRAM-SHA-256"):
		return sasl.NewClientSCRAMSHA256(username, password), nil
	case has("SCRAM-SHA-1"):
		return sasl.NewClientSCRAMSHA1(username, password), nil
	case has("CRAM-MD5"):
		return sasl.NewClientCRAMMD5(username, password), nil
	case has("PLAIN"):
		return sasl.NewClientPlain(username, password), nil
	case has("LOGIN"):
		return sasl.NewClientLogin(username, password), nil
	}
	return nil, fmt.Errorf("no shared authentication mechanism, server offers %v", mechanisms)
}

// TestConnection opens a session on a transport and does a no-op envelope
// round trip, without transmitting content. For administrative diagnostics.
func TestConnection(ctx context.Context, log mlog.Log, c config.Dispatch, transportID int64) error {
	var t *transport.Transport
	if transportID != 0 {
		tt, err := transport.Get(ctx, transportID)
		if err != nil {
			return fmt.Errorf("loading transport %d: %v", transportID, err)
		}
		t = &tt
	}
	sender := c.NotificationFrom
	sess, failure := openSession(ctx, log, c, t, sender)
	if failure != nil {
		return failure
	}
	defer func() {
		err := sess.Close()
		log.Check(err, "closing test session")
	}()
	if err := sess.client.Check(ctx, sender); err != nil {
		return fmt.Errorf("envelope check as %s: %w", sender, err)
	}
	return nil
}
