// Package transport holds the configured outgoing SMTP transports and picks
// the right transport for a sender address.
//
// A transport is a network target (host, port) with an encryption mode, an
// authentication mode and a sender filter: the addresses and/or domains the
// transport is authorized to send as. Selection prefers filter specificity
// (exact address over domain) over declared priority; priority only governs
// the fallback chain once no filter matches.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailout/mailout/message"
	"github.com/mailout/mailout/smtp"
	"github.com/mailout/mailout/smtpclient"
)

// Encryption is the connection security mode of a transport. The strict
// variants require full certificate chain and hostname validation, the
// non-strict variants encrypt but accept any certificate.
type Encryption string

const (
	EncNone              Encryption = "none"
	EncSTARTTLS          Encryption = "starttls"
	EncSTARTTLSStrict    Encryption = "starttls-strict"
	EncImplicitTLS       Encryption = "implicit-tls"
	EncImplicitTLSStrict Encryption = "implicit-tls-strict"
)

// AuthMode is how a session on a transport authenticates.
type AuthMode string

const (
	// No authentication, for relays that restrict by source address.
	AuthNone AuthMode = "none"

	// Username/password over SASL.
	AuthPassword AuthMode = "password"

	// TLS client certificate, presented during the handshake. Requires an
	// encryption mode other than none.
	AuthClientCert AuthMode = "client-certificate"

	// Delegate to a session factory registered ahead of time, e.g. by
	// deployment tooling. Host, port and credentials on the record are
	// ignored.
	AuthExternalSession AuthMode = "external-session"
)

// Transport is a configured outgoing SMTP server. Created and edited by an
// administrator, read-only to the delivery pipeline.
type Transport struct {
	ID       int64
	Name     string `bstore:"unique,nonzero"`
	Priority int    // Lower is preferred.
	Active   bool

	Host string
	Port int

	Encryption Encryption
	AuthMode   AuthMode

	Username string
	Password string

	// PEM-encoded certificate and matching private key, for
	// client-certificate mode.
	CertificatePEM string
	PrivateKeyPEM  string

	// Name of a session factory registered with the queue, for
	// external-session mode.
	ExternalSession string

	// Ordered list of full addresses and/or bare domains this transport may
	// send as, lower case. Empty matches any sender.
	SenderFilter []string

	// Maximum message size in bytes for local pre-flight rejection. 0 means
	// no limit.
	MaxSize int64

	// Optional SOCKS5 proxy address (host:port) to dial through.
	SocksAddress string

	Created  time.Time `bstore:"default now"`
	Modified time.Time
}

var ErrConfig = errors.New("transport configuration error")

// Check validates the transport configuration. Invariants are enforced here,
// at configuration time, not at send time.
func (t *Transport) Check() error {
	if t.Name == "" {
		return fmt.Errorf("%w: missing name", ErrConfig)
	}
	switch t.Encryption {
	case EncNone, EncSTARTTLS, EncSTARTTLSStrict, EncImplicitTLS, EncImplicitTLSStrict:
	default:
		return fmt.Errorf("%w: unknown encryption mode %q", ErrConfig, t.Encryption)
	}
	switch t.AuthMode {
	case AuthNone:
	case AuthPassword:
		if t.Username == "" {
			return fmt.Errorf("%w: password mode requires a username", ErrConfig)
		}
	case AuthClientCert:
		if t.Encryption == EncNone {
			return fmt.Errorf("%w: client-certificate mode requires encryption", ErrConfig)
		}
		// Also verifies the private key matches the certificate.
		if _, err := t.ClientCert(); err != nil {
			return err
		}
	case AuthExternalSession:
		if t.ExternalSession == "" {
			return fmt.Errorf("%w: external-session mode requires a session name", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown authentication mode %q", ErrConfig, t.AuthMode)
	}
	if t.AuthMode != AuthExternalSession && t.Host == "" {
		return fmt.Errorf("%w: missing host", ErrConfig)
	}
	for i, f := range t.SenderFilter {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			return fmt.Errorf("%w: empty sender filter entry", ErrConfig)
		}
		t.SenderFilter[i] = f
	}
	return nil
}

// Addr returns the host:port to dial, applying the default SMTP ports for
// the encryption mode.
func (t Transport) Addr() string {
	port := t.Port
	if port == 0 {
		switch t.Encryption {
		case EncImplicitTLS, EncImplicitTLSStrict:
			port = 465
		default:
			port = 25
		}
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// TLSMode resolves the encryption mode into the smtpclient mode and whether
// PKIX/hostname verification is required.
func (t Transport) TLSMode() (mode smtpclient.TLSMode, verifyPKIX bool) {
	switch t.Encryption {
	case EncSTARTTLS:
		return smtpclient.TLSRequiredStartTLS, false
	case EncSTARTTLSStrict:
		return smtpclient.TLSRequiredStartTLS, true
	case EncImplicitTLS:
		return smtpclient.TLSImmediate, false
	case EncImplicitTLSStrict:
		return smtpclient.TLSImmediate, true
	}
	return smtpclient.TLSSkip, false
}

// ClientCert parses the stored PEM certificate/key pair. tls.X509KeyPair
// verifies the private key matches the certificate, so a mismatch or
// malformed PEM surfaces here as a configuration error, not as a transient
// send failure.
func (t Transport) ClientCert() (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair([]byte(t.CertificatePEM), []byte(t.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: client certificate/key pair: %v", ErrConfig, err)
	}
	return &cert, nil
}

// CoversSender returns whether addr (bare lower-case email) is covered by
// the sender filter, either as exact address or by its domain. An empty
// filter covers any sender.
func (t Transport) CoversSender(addr string) bool {
	if len(t.SenderFilter) == 0 {
		return true
	}
	addr = strings.ToLower(addr)
	_, dom, _ := strings.Cut(addr, "@")
	for _, f := range t.SenderFilter {
		if f == addr || f == dom {
			return true
		}
	}
	return false
}

func (t Transport) filterHasAddress(addr string) bool {
	for _, f := range t.SenderFilter {
		if f == addr {
			return true
		}
	}
	return false
}

func (t Transport) filterHasDomain(dom string) bool {
	for _, f := range t.SenderFilter {
		if f == dom {
			return true
		}
	}
	return false
}

// Normalize turns a possibly decorated sender ("Name <A@B.example>") into its
// bare lower-case email and domain. ok is false when no address is present.
func Normalize(sender string) (addr, domain string, ok bool) {
	a, ok := message.FirstAddress(sender)
	if !ok {
		return "", "", false
	}
	a = strings.ToLower(a)
	_, dom, found := strings.Cut(a, "@")
	if !found {
		return "", "", false
	}
	// Normalize an internationalized domain so filter entries in ASCII match.
	if d, err := smtp.ParseDomain(dom); err == nil {
		a = a[:len(a)-len(dom)] + d
		dom = d
	}
	return a, dom, true
}

// Select picks the transport to send a message from sender with, among
// candidates. Inactive candidates are ignored. fallback is the process-wide
// notification identity, used as the effective sender when the declared
// sender matches no filter.
//
// Order: exact filter match on the sender's address, filter match on its
// domain, the same two matches against fallback, the first unrestricted
// (empty filter) transport, and finally the first active transport
// regardless of filter. Within each step, priority order decides. The
// returned effective sender is the bare address the session should be opened
// for; it switches to fallback as soon as a filter no longer authorizes the
// declared sender. Returns a nil transport when no candidate is active; the
// caller then falls back to the process-wide default configuration.
func Select(sender, fallback string, candidates []Transport) (*Transport, string) {
	actives := make([]Transport, 0, len(candidates))
	for _, t := range candidates {
		if t.Active {
			actives = append(actives, t)
		}
	}
	// Stable order: priority, then id for deterministic results.
	for i := 1; i < len(actives); i++ {
		for j := i; j > 0 && less(actives[j], actives[j-1]); j-- {
			actives[j], actives[j-1] = actives[j-1], actives[j]
		}
	}

	byFilter := func(s string) (*Transport, string) {
		addr, dom, ok := Normalize(s)
		if !ok {
			return nil, ""
		}
		for i := range actives {
			if actives[i].filterHasAddress(addr) {
				return &actives[i], addr
			}
		}
		for i := range actives {
			if actives[i].filterHasDomain(dom) {
				return &actives[i], addr
			}
		}
		return nil, ""
	}

	if t, eff := byFilter(sender); t != nil {
		return t, eff
	}
	if fallback != "" {
		if t, eff := byFilter(fallback); t != nil {
			return t, eff
		}
	}

	// No filter authorizes the sender, so the effective sender becomes the
	// fallback identity; the preparer later rewrites the From header
	// accordingly.
	effective := fallback
	if effective == "" {
		if addr, _, ok := Normalize(sender); ok {
			effective = addr
		} else {
			effective = sender
		}
	}
	for i := range actives {
		if len(actives[i].SenderFilter) == 0 {
			return &actives[i], effective
		}
	}
	if len(actives) > 0 {
		return &actives[0], effective
	}
	return nil, effective
}

func less(a, b Transport) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}
