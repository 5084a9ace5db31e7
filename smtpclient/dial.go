package smtpclient

import (
	"context"
	"log/slog"
	"net"

	"github.com/mailout/mailout/mlog"
)

// DialHook can be used during tests to override the regular dialer.
var DialHook func(ctx context.Context, dialer Dialer, addr string) (net.Conn, error)

// Dialer is used to dial mail servers, an interface to facilitate testing and
// dialing through a SOCKS proxy.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

// Dial connects to addr (host:port) with the fixed command timeout. A failure
// to connect is a transient transport error, callers classify it as such.
func Dial(ctx context.Context, elog *slog.Logger, dialer Dialer, addr string) (net.Conn, error) {
	log := mlog.New("smtpclient", elog)

	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	if DialHook != nil {
		return DialHook(ctx, dialer, addr)
	}

	// If this is a net.Dialer, use its settings with our timeout. This is the
	// typical case, SOCKS5 support uses a different dialer.
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.Timeout = CommandTimeout
		dialer = &nd
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Debugx("connection attempt", err, slog.String("addr", addr))
		return nil, err
	}
	log.Debug("connected to host", slog.String("addr", addr))
	return conn, nil
}
