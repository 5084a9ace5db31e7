package queue

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailout/mailout/config"
	"github.com/mailout/mailout/message"
	"github.com/mailout/mailout/smtp"
)

// invalidRecipient is a recipient dropped during preparation, with its
// per-recipient classification.
type invalidRecipient struct {
	Address string
	Kind    FailureKind
	Reason  string
}

// prepared is a message ready for transmission.
type prepared struct {
	mailFrom string   // Envelope sender, single plain-ASCII mailbox.
	rcptTo   []string // Deduplicated envelope recipients.
	invalid  []invalidRecipient
	data     []byte
	has8bit  bool
}

// prepare resolves the envelope sender and recipients of m, applies the
// anti-spoofing rewrite when the sender is not covered by the session's
// transport, and composes the final wire-format message. Recipients come from
// the loosely formatted headers and from the delivery records created for
// structured references at enqueue time. Recipients that fail validation are
// dropped individually and reported in invalid; only an empty resulting
// recipient list fails the message as a whole.
func prepare(c config.Dispatch, sess *session, m Msg, attachments []Attachment, records []DeliveryRecord) (*prepared, *Failure) {
	p := &prepared{}

	// Envelope sender: explicit return-path override, else the declared
	// sender header, else the process-wide bounce address.
	if m.EnvelopeFrom != "" {
		p.mailFrom = m.EnvelopeFrom
	} else if a, ok := message.FirstAddress(m.From); ok {
		p.mailFrom = a
	} else if c.BounceAddress != "" {
		p.mailFrom = c.BounceAddress
	} else {
		return nil, failf(FailMalformedSender, "no usable envelope sender")
	}

	// A sender the transport is not authorized for would be rejected or
	// silently rewritten by the remote. Send as the identity the session was
	// opened for instead. Config validation guarantees a nonzero
	// NotificationFrom, so the rewrite always has a protected identity to
	// encapsulate under.
	fromHeader := m.From
	declared, declaredOK := message.FirstAddress(m.From)
	if declaredOK && !sess.covers(declared) && !strings.EqualFold(declared, c.NotificationFrom) {
		fromHeader = ""
		if !sess.covers(p.mailFrom) {
			p.mailFrom = sess.effectiveSender
		}
	}

	if a, ok := message.FirstAddress(p.mailFrom); ok {
		p.mailFrom = a
	}
	addr, err := smtp.ParseAddress(p.mailFrom)
	if err != nil {
		return nil, failf(FailMalformedSender, "envelope sender %q: %v", p.mailFrom, err)
	}
	if !addr.IsASCII() {
		return nil, failf(FailMalformedSender, "envelope sender %q is not a plain-ascii mailbox", p.mailFrom)
	}

	toAddrs := p.extractRecipients(m.To)
	ccAddrs := p.extractRecipients(m.Cc)
	// Bcc recipients get the message without appearing in its headers.
	p.extractRecipients(m.Bcc)
	// Recipients declared as structured references at enqueue time are
	// envelope recipients too, also without appearing in the headers.
	for _, dr := range records {
		if dr.Status == RecipReady && dr.Address != "" {
			p.addRecipient(dr.Address)
		}
	}
	if len(p.rcptTo) == 0 {
		return nil, failf(FailNoValidRecipient, "no valid recipient address in headers %q or in recipient references", strings.Join([]string{m.To, m.Cc, m.Bcc}, ","))
	}

	maxSize := sess.maxSize

	var buf bytes.Buffer
	xc := message.NewComposer(&buf, maxSize)
	cerr := func() (rerr *Failure) {
		defer func() {
			x := recover()
			if x == nil {
				return
			}
			err, ok := x.(error)
			if !ok {
				panic(x)
			}
			if errors.Is(err, message.ErrMessageSize) {
				rerr = failf(FailProtocolRejected, "message larger than maximum size %d", maxSize)
			} else if errors.Is(err, message.ErrCompose) {
				rerr = failf(FailUnknown, "composing message: %v", err)
			} else {
				panic(x)
			}
		}()
		compose(xc, c, m, attachments, fromHeader, declared, toAddrs, ccAddrs)
		return nil
	}()
	if cerr != nil {
		return nil, cerr
	}

	p.data = buf.Bytes()
	p.has8bit = xc.Has8bit
	return p, nil
}

// extractRecipients scans a loosely formatted recipient header for
// addresses, dropping those that cannot be expressed as a plain-ASCII
// mailbox, and appends the valid ones to p.rcptTo. Returns the valid
// addresses found in this header.
func (p *prepared) extractRecipients(header string) []string {
	var valid []string
	for _, a := range message.ExtractAddresses(header) {
		if p.addRecipient(a) {
			valid = append(valid, a)
		}
	}
	return valid
}

// addRecipient validates a and adds it to the envelope recipients, or to the
// invalid list with its per-recipient classification. Returns whether a was
// added as a new valid recipient.
func (p *prepared) addRecipient(a string) bool {
	if !message.IsASCIIAddress(a) {
		p.invalid = append(p.invalid, invalidRecipient{a, FailRecipientInvalid, "address is not plain ascii"})
		return false
	}
	if _, err := smtp.ParseAddress(a); err != nil {
		p.invalid = append(p.invalid, invalidRecipient{a, FailRecipientInvalid, fmt.Sprintf("invalid address: %v", err)})
		return false
	}
	for _, seen := range p.rcptTo {
		if strings.EqualFold(seen, a) {
			return false
		}
	}
	p.rcptTo = append(p.rcptTo, a)
	return true
}

// Header names the queue composes itself, or that only exist as internal
// composition hints. Overrides under these names never reach the wire.
var internalHeaders = map[string]bool{
	"from": true, "to": true, "cc": true, "bcc": true, "reply-to": true,
	"subject": true, "date": true, "message-id": true, "references": true,
	"mime-version": true, "content-type": true, "content-transfer-encoding": true,
	"x-recipients": true, "x-forge-to": true,
}

func compose(xc *message.Composer, c config.Dispatch, m Msg, attachments []Attachment, fromHeader, declared string, toAddrs, ccAddrs []string) {
	if fromHeader != "" {
		xc.Header("From", fromHeader)
	} else {
		// Encapsulation: protected identity as the address, the true sender
		// preserved as display name.
		xc.HeaderAddrs("From", []message.NameAddress{{DisplayName: declared, Address: c.NotificationFrom}})
	}
	if m.ReplyTo != "" {
		xc.Header("Reply-To", m.ReplyTo)
	}
	xc.HeaderAddrs("To", nameAddrs(toAddrs))
	xc.HeaderAddrs("Cc", nameAddrs(ccAddrs))
	xc.Subject(m.Subject)
	msgID := m.MessageID
	if msgID == "" {
		msgID = fmt.Sprintf("<%s@%s>", messageIDRand(), c.EhloHostname)
	}
	xc.Header("Message-Id", msgID)
	if m.References != "" {
		xc.Header("References", m.References)
	}
	xc.Header("Date", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	for k, v := range m.Headers {
		if internalHeaders[strings.ToLower(k)] {
			continue
		}
		xc.Header(k, v)
	}
	xc.Header("MIME-Version", "1.0")

	textPart := func(subtype, text string) {
		body, ct, cte := xc.TextPart(subtype, text)
		xc.Header("Content-Type", ct)
		xc.Header("Content-Transfer-Encoding", cte)
		xc.Line()
		_, _ = xc.Write(body)
		if cte == "8bit" {
			xc.Has8bit = true
		}
	}

	bodyPart := func() {
		if m.BodyHTML == "" {
			textPart("plain", m.Body)
			return
		}
		b := boundary()
		xc.Header("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, b))
		xc.Line()
		fmt.Fprintf(xc, "--%s\r\n", b)
		textPart("plain", m.Body)
		fmt.Fprintf(xc, "\r\n--%s\r\n", b)
		textPart("html", m.BodyHTML)
		fmt.Fprintf(xc, "\r\n--%s--\r\n", b)
	}

	if len(attachments) == 0 {
		bodyPart()
	} else {
		b := boundary()
		xc.Header("Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, b))
		xc.Line()
		fmt.Fprintf(xc, "--%s\r\n", b)
		bodyPart()
		for _, a := range attachments {
			fmt.Fprintf(xc, "\r\n--%s\r\n", b)
			xc.AttachmentPart(a.Filename, a.ContentType, a.Data)
		}
		fmt.Fprintf(xc, "\r\n--%s--\r\n", b)
	}
	xc.Flush()
}

func nameAddrs(addrs []string) []message.NameAddress {
	l := make([]message.NameAddress, len(addrs))
	for i, a := range addrs {
		l[i] = message.NameAddress{Address: a}
	}
	return l
}

func boundary() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("=_%x", buf)
}

func messageIDRand() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%x", buf)
}
