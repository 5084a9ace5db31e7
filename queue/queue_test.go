package queue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailout/mailout/config"
	"github.com/mailout/mailout/mlog"
	"github.com/mailout/mailout/smtpclient"
	"github.com/mailout/mailout/transport"
)

var ctxbg = context.Background()
var pkglog = mlog.New("queue", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, expect)
	}
}

// fakeServer accepts connections handed out through smtpclient.DialHook and
// speaks just enough SMTP for the dispatcher.
type fakeServer struct {
	sync.Mutex
	sessions   int            // Connections opened.
	closed     int            // Connections fully ended, after the peer closed or quit.
	deliveries int            // Completed DATA transactions.
	rejects    map[string]int // Lower-case address to RCPT reply code.
	heloCode   int            // Nonzero: reply code to EHLO and HELO instead of 250.
	dataCode   int            // Nonzero: reply code to end-of-data instead of 250.
	dropAfter  int            // Close the connection at the next MAIL FROM once this many deliveries completed. 0 means never.

	mailFroms []string // Envelope senders seen.
	messages  []string // Data received, per delivery.
}

func (s *fakeServer) dial(ctx context.Context, dialer smtpclient.Dialer, addr string) (net.Conn, error) {
	clientConn, serverConn := net.Pipe()
	s.Lock()
	s.sessions++
	s.Unlock()
	go s.serve(serverConn)
	return clientConn, nil
}

func (s *fakeServer) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		s.Lock()
		s.closed++
		s.Unlock()
	}()
	br := bufio.NewReader(conn)
	write := func(line string) {
		fmt.Fprintf(conn, "%s\r\n", line)
	}
	write("220 fake ESMTP")
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		up := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(up, "EHLO "), strings.HasPrefix(up, "HELO "):
			s.Lock()
			code := s.heloCode
			s.Unlock()
			if code != 0 {
				write(fmt.Sprintf("%d not serving", code))
				continue
			}
			write("250-fake")
			write("250-ENHANCEDSTATUSCODES")
			write("250-SIZE 10485760")
			write("250 8BITMIME")
		case strings.HasPrefix(up, "MAIL FROM:"):
			s.Lock()
			drop := s.dropAfter > 0 && s.deliveries >= s.dropAfter
			if !drop {
				addr := strings.Trim(line[len("MAIL FROM:"):], "<> ")
				s.mailFroms = append(s.mailFroms, strings.ToLower(addr))
			}
			s.Unlock()
			if drop {
				return
			}
			write("250 2.1.0 ok")
		case strings.HasPrefix(up, "RCPT TO:"):
			addr := strings.ToLower(strings.Trim(line[len("RCPT TO:"):], "<> "))
			s.Lock()
			code := s.rejects[addr]
			s.Unlock()
			if code != 0 {
				write(fmt.Sprintf("%d %d.1.1 no such user", code, code/100))
			} else {
				write("250 2.1.5 ok")
			}
		case up == "DATA":
			write("354 continue")
			var data strings.Builder
			for {
				dl, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if dl == ".\r\n" {
					break
				}
				data.WriteString(dl)
			}
			s.Lock()
			code := s.dataCode
			s.Unlock()
			if code != 0 {
				write(fmt.Sprintf("%d %d.0.0 message rejected", code, code/100))
				continue
			}
			s.Lock()
			s.deliveries++
			s.messages = append(s.messages, data.String())
			s.Unlock()
			write("250 2.0.0 queued")
		case up == "RSET":
			write("250 2.0.0 ok")
		case up == "QUIT":
			write("221 2.0.0 bye")
			return
		default:
			write("500 5.5.1 unknown command")
		}
	}
}

// setup opens fresh databases and points outgoing connections at a fake
// server.
func setup(t *testing.T) (config.Dispatch, *fakeServer) {
	t.Helper()
	dir := t.TempDir()
	tcheck(t, transport.Init(ctxbg, dir), "init transport db")
	tcheck(t, Init(ctxbg, dir), "init queue db")
	srv := &fakeServer{}
	smtpclient.DialHook = srv.dial
	t.Cleanup(func() {
		smtpclient.DialHook = nil
		Shutdown()
		transport.Shutdown()
	})
	return config.Dispatch{
		EhloHostname:     "mailout.test",
		NotificationFrom: "noreply@mailout.example",
		BounceAddress:    "bounce@mailout.example",
		SubBatchSize:     2,
		QueueScanLimit:   100,
	}, srv
}

func addTransport(t *testing.T, tr transport.Transport) transport.Transport {
	t.Helper()
	tcheck(t, transport.Add(ctxbg, &tr), "add transport")
	return tr
}

func enqueue(t *testing.T, m Msg) Msg {
	t.Helper()
	_, err := Enqueue(ctxbg, &m, nil, nil)
	tcheck(t, err, "enqueue")
	return m
}

func getMsg(t *testing.T, id int64) Msg {
	t.Helper()
	m := Msg{ID: id}
	tcheck(t, DB.Get(ctxbg, &m), "get message")
	return m
}

func TestProcessQueueSubBatches(t *testing.T) {
	c, srv := setup(t)
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone, SenderFilter: []string{"billing.example.com"}})

	var ids []int64
	for i := 0; i < 5; i++ {
		m := enqueue(t, Msg{
			From:        "invoices@billing.example.com",
			To:          "rcpt@example.org",
			NoteContent: NoteContent{Subject: "invoice", Body: "hello"},
		})
		ids = append(ids, m.ID)
	}

	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 5)

	// Sub-batch size 2 and 5 messages for one transport: 3 sessions.
	tcompare(t, srv.sessions, 3)
	tcompare(t, srv.deliveries, 5)

	for _, id := range ids {
		m := getMsg(t, id)
		tcompare(t, m.Status, Sent)
		records, err := Records(ctxbg, id)
		tcheck(t, err, "records")
		tcompare(t, len(records), 1)
		tcompare(t, records[0].Address, "rcpt@example.org")
		tcompare(t, records[0].Status, RecipSent)
	}

	// Nothing left, and no new session is opened for an empty run.
	count, err = ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process empty queue")
	tcompare(t, count, 0)
	tcompare(t, srv.sessions, 3)
}

func TestSessionDrop(t *testing.T) {
	c, srv := setup(t)
	c.SubBatchSize = 5
	srv.dropAfter = 2
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	var ids []int64
	for i := 0; i < 5; i++ {
		m := enqueue(t, Msg{
			From:        "noreply@mailout.example",
			To:          "rcpt@example.org",
			NoteContent: NoteContent{Subject: "news", Body: "hello"},
		})
		ids = append(ids, m.ID)
	}

	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 2)

	// The two messages delivered before the drop are sent, the rest stays
	// outgoing for the next run.
	var sent, outgoing int
	for _, id := range ids {
		switch m := getMsg(t, id); m.Status {
		case Sent:
			sent++
		case Outgoing:
			outgoing++
		default:
			t.Fatalf("message %d has status %s", id, m.Status)
		}
	}
	tcompare(t, sent, 2)
	tcompare(t, outgoing, 3)

	// Next run finishes the job over a fresh session.
	srv.Lock()
	srv.dropAfter = 0
	srv.Unlock()
	count, err = ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue again")
	tcompare(t, count, 3)
	for _, id := range ids {
		tcompare(t, getMsg(t, id).Status, Sent)
	}
}

func TestScheduled(t *testing.T) {
	c, srv := setup(t)
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	now := time.Now()
	future := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "rcpt@example.org",
		ScheduledAt: now.Add(time.Hour),
		NoteContent: NoteContent{Subject: "later", Body: "hello"},
	})
	past := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "rcpt@example.org",
		ScheduledAt: now.Add(-time.Hour),
		NoteContent: NoteContent{Subject: "now", Body: "hello"},
	})

	count, err := ProcessQueue(ctxbg, pkglog, c, now)
	tcheck(t, err, "process queue")
	tcompare(t, count, 1)
	tcompare(t, getMsg(t, past.ID).Status, Sent)
	tcompare(t, getMsg(t, future.ID).Status, Outgoing)

	// Once the clock passes the scheduled time, the message goes out.
	count, err = ProcessQueue(ctxbg, pkglog, c, now.Add(2*time.Hour))
	tcheck(t, err, "process queue")
	tcompare(t, count, 1)
	tcompare(t, getMsg(t, future.ID).Status, Sent)
	tcompare(t, srv.deliveries, 2)
}

func TestRecipientValidation(t *testing.T) {
	c, _ := setup(t)
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	// One malformed token, one valid recipient, one non-ascii address. Only
	// the valid one is transmitted; the message is still sent.
	m := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "\"Bad \" <bad>, good@example.org, unfähig@example.org",
		NoteContent: NoteContent{Subject: "mixed", Body: "hello"},
	})

	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 1)
	tcompare(t, getMsg(t, m.ID).Status, Sent)

	records, err := Records(ctxbg, m.ID)
	tcheck(t, err, "records")
	byAddr := map[string]DeliveryRecord{}
	for _, dr := range records {
		byAddr[dr.Address] = dr
	}
	good, ok := byAddr["good@example.org"]
	if !ok {
		t.Fatalf("no delivery record for valid recipient, got %v", records)
	}
	tcompare(t, good.Status, RecipSent)
	bad, ok := byAddr["unfähig@example.org"]
	if !ok {
		t.Fatalf("no delivery record for invalid recipient, got %v", records)
	}
	tcompare(t, bad.Status, RecipException)
	tcompare(t, bad.FailureKind, FailRecipientInvalid)

	// No valid recipient at all is a message-level failure.
	m2 := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "not an address",
		NoteContent: NoteContent{Subject: "empty", Body: "hello"},
	})
	count, err = ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 1)
	m2 = getMsg(t, m2.ID)
	tcompare(t, m2.Status, Exception)
	tcompare(t, m2.FailureKind, FailNoValidRecipient)
	if m2.FailureReason == "" {
		t.Fatalf("exception without failure reason")
	}
}

func TestAntiSpoofing(t *testing.T) {
	c, srv := setup(t)
	addTransport(t, transport.Transport{Name: "billing", Active: true, Host: "smtp1.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone, SenderFilter: []string{"billing.example.com"}})
	addTransport(t, transport.Transport{Name: "catchall", Active: true, Host: "smtp2.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	covered := enqueue(t, Msg{
		From:        "invoices@billing.example.com",
		To:          "rcpt@example.org",
		NoteContent: NoteContent{Subject: "covered", Body: "hello"},
	})
	spoofy := enqueue(t, Msg{
		From:        "random@other.org",
		To:          "rcpt@example.org",
		NoteContent: NoteContent{Subject: "uncovered", Body: "hello"},
	})

	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 2)
	tcompare(t, getMsg(t, covered.ID).Status, Sent)
	tcompare(t, getMsg(t, spoofy.ID).Status, Sent)

	// Two groups, one session each.
	tcompare(t, srv.sessions, 2)
	tcompare(t, len(srv.messages), 2)

	var coveredData, spoofyData string
	for i, data := range srv.messages {
		if strings.Contains(data, "Subject: covered") {
			coveredData = data
		} else {
			spoofyData = data
			tcompare(t, srv.mailFroms[i], "noreply@mailout.example")
		}
	}

	// The covered sender goes out untouched.
	if !strings.Contains(coveredData, "From: invoices@billing.example.com") {
		t.Fatalf("covered message lost its sender:\n%s", coveredData)
	}
	// The uncovered sender is encapsulated: notification identity as
	// address, original sender kept as display name.
	if !strings.Contains(spoofyData, `From: "random@other.org" <noreply@mailout.example>`) {
		t.Fatalf("uncovered message not rewritten:\n%s", spoofyData)
	}
}

func TestPartialAcceptAutoDelete(t *testing.T) {
	c, srv := setup(t)
	srv.rejects = map[string]int{"bad@example.org": 550}
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	// All recipients accepted: auto-delete removes the message and its
	// attachments.
	clean := Msg{
		From:        "noreply@mailout.example",
		To:          "good@example.org",
		AutoDelete:  true,
		NoteContent: NoteContent{Subject: "clean", Body: "hello"},
	}
	_, err := Enqueue(ctxbg, &clean, []Attachment{{Filename: "a.txt", ContentType: "text/plain", Data: []byte("attached")}}, nil)
	tcheck(t, err, "enqueue with attachment")

	// One rejected recipient: the message is still sent, but kept for
	// review of the failed recipient.
	partial := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "good@example.org, bad@example.org",
		AutoDelete:  true,
		NoteContent: NoteContent{Subject: "partial", Body: "hello"},
	})

	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 2)

	if err := DB.Get(ctxbg, &Msg{ID: clean.ID}); err == nil {
		t.Fatalf("auto-delete message still present after clean send")
	}
	atts, err := Attachments(ctxbg, clean.ID)
	tcheck(t, err, "attachments")
	tcompare(t, len(atts), 0)

	m := getMsg(t, partial.ID)
	tcompare(t, m.Status, Sent)
	records, err := Records(ctxbg, partial.ID)
	tcheck(t, err, "records")
	byAddr := map[string]DeliveryRecord{}
	for _, dr := range records {
		byAddr[dr.Address] = dr
	}
	tcompare(t, byAddr["good@example.org"].Status, RecipSent)
	tcompare(t, byAddr["bad@example.org"].Status, RecipException)
	tcompare(t, byAddr["bad@example.org"].FailureKind, FailProtocolRejected)
}

func TestSendNow(t *testing.T) {
	c, srv := setup(t)
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	m := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "rcpt@example.org",
		ScheduledAt: time.Now().Add(time.Hour),
		NoteContent: NoteContent{Subject: "urgent", Body: "hello"},
	})

	// The synchronous path ignores the scheduled time.
	results, err := SendNow(ctxbg, pkglog, c, []int64{m.ID}, true)
	tcheck(t, err, "send now")
	tcompare(t, len(results), 1)
	tcompare(t, results[0].Status, Sent)
	tcompare(t, getMsg(t, m.ID).Status, Sent)
	tcompare(t, srv.deliveries, 1)

	// A failing message surfaces as an error with raiseOnError.
	bad := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "nothing here",
		NoteContent: NoteContent{Subject: "broken", Body: "hello"},
	})
	results, err = SendNow(ctxbg, pkglog, c, []int64{bad.ID}, true)
	if err == nil {
		t.Fatalf("got no error for message without recipients, results %v", results)
	}
	tcompare(t, getMsg(t, bad.ID).Status, Exception)

	// Exception messages can be retried manually.
	retry := getMsg(t, bad.ID)
	retry.To = "rcpt@example.org"
	tcheck(t, DB.Update(ctxbg, &retry), "fix recipients")
	results, err = SendNow(ctxbg, pkglog, c, []int64{bad.ID}, true)
	tcheck(t, err, "send now after fix")
	tcompare(t, results[0].Status, Sent)
}

func TestNoTransport(t *testing.T) {
	c, _ := setup(t)

	m := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "rcpt@example.org",
		NoteContent: NoteContent{Subject: "stuck", Body: "hello"},
	})

	// No transport records and no default configuration: the run aborts.
	_, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	if err == nil {
		t.Fatalf("got no error processing queue without transports")
	}
	var failure *Failure
	if !errors.As(err, &failure) || failure.Kind != FailNoTransport {
		t.Fatalf("got %v, expected no-transport failure", err)
	}
	tcompare(t, getMsg(t, m.ID).Status, Outgoing)

	// With a default transport configured, the fallback carries the message.
	c.Default = &config.DefaultTransport{Host: "fallback.example"}
	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue with default transport")
	tcompare(t, count, 1)
	tcompare(t, getMsg(t, m.ID).Status, Sent)
}

func TestStructuredRecipients(t *testing.T) {
	c, srv := setup(t)
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	// Recipients declared only as structured references, with empty recipient
	// headers. They are envelope recipients like any other.
	m := Msg{
		From:        "noreply@mailout.example",
		NoteContent: NoteContent{Subject: "linked", Body: "hello"},
	}
	_, err := Enqueue(ctxbg, &m, nil, []Recipient{
		{DisplayName: "Alice", Address: "alice@example.org"},
		{DisplayName: "Broken", Address: "unfähig@example.org"},
	})
	tcheck(t, err, "enqueue with recipient references")

	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 1)
	tcompare(t, getMsg(t, m.ID).Status, Sent)
	tcompare(t, srv.deliveries, 1)

	records, err := Records(ctxbg, m.ID)
	tcheck(t, err, "records")
	byAddr := map[string]DeliveryRecord{}
	for _, dr := range records {
		byAddr[dr.Address] = dr
	}
	tcompare(t, byAddr["alice@example.org"].Status, RecipSent)
	tcompare(t, byAddr["unfähig@example.org"].Status, RecipException)
	tcompare(t, byAddr["unfähig@example.org"].FailureKind, FailRecipientInvalid)

	// A message whose references are all unusable fails as a whole, and its
	// records do not linger at ready.
	m2 := Msg{
		From:        "noreply@mailout.example",
		NoteContent: NoteContent{Subject: "broken", Body: "hello"},
	}
	_, err = Enqueue(ctxbg, &m2, nil, []Recipient{{DisplayName: "Broken", Address: "unmöglich@example.org"}})
	tcheck(t, err, "enqueue with unusable reference")
	count, err = ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 1)
	mm := getMsg(t, m2.ID)
	tcompare(t, mm.Status, Exception)
	tcompare(t, mm.FailureKind, FailNoValidRecipient)
	records, err = Records(ctxbg, m2.ID)
	tcheck(t, err, "records")
	tcompare(t, len(records), 1)
	tcompare(t, records[0].Status, RecipException)
}

func TestDataRejected(t *testing.T) {
	c, srv := setup(t)
	srv.dataCode = 554
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	m := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "rcpt@example.org",
		NoteContent: NoteContent{Subject: "refused", Body: "hello"},
	})

	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 1)
	mm := getMsg(t, m.ID)
	tcompare(t, mm.Status, Exception)
	tcompare(t, mm.FailureKind, FailProtocolRejected)

	// The recipient was accepted at RCPT but never received the message; its
	// record resolves into the message classification, not into sent.
	records, err := Records(ctxbg, m.ID)
	tcheck(t, err, "records")
	tcompare(t, len(records), 1)
	tcompare(t, records[0].Status, RecipException)
	tcompare(t, records[0].FailureKind, FailProtocolRejected)
}

func TestAllRecipientsRejected(t *testing.T) {
	c, srv := setup(t)
	srv.rejects = map[string]int{"one@example.org": 550, "two@example.org": 550}
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	// Every recipient rejected with a permanent code: retrying would only
	// repeat the rejections.
	m := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "one@example.org, two@example.org",
		NoteContent: NoteContent{Subject: "rejected", Body: "hello"},
	})

	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 1)
	mm := getMsg(t, m.ID)
	tcompare(t, mm.Status, Exception)
	tcompare(t, mm.FailureKind, FailProtocolRejected)
	tcompare(t, srv.deliveries, 0)

	records, err := Records(ctxbg, m.ID)
	tcheck(t, err, "records")
	tcompare(t, len(records), 2)
	for _, dr := range records {
		tcompare(t, dr.Status, RecipException)
		tcompare(t, dr.FailureKind, FailProtocolRejected)
		if !strings.Contains(dr.FailureReason, "550") {
			t.Fatalf("recipient failure reason %q does not mention the rejection", dr.FailureReason)
		}
	}

	// With one of the rejections temporary, the message stays outgoing for a
	// later run.
	srv.Lock()
	srv.rejects["two@example.org"] = 451
	srv.Unlock()
	m2 := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "one@example.org, two@example.org",
		NoteContent: NoteContent{Subject: "mixed", Body: "hello"},
	})
	count, err = ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 0)
	mm2 := getMsg(t, m2.ID)
	tcompare(t, mm2.Status, Outgoing)
	tcompare(t, mm2.FailureKind, FailTransportUnavailable)
}

func TestHandshakeFailureClosesConnection(t *testing.T) {
	c, srv := setup(t)
	srv.heloCode = 421
	addTransport(t, transport.Transport{Name: "out", Active: true, Host: "smtp.example", Encryption: transport.EncNone, AuthMode: transport.AuthNone})

	m := enqueue(t, Msg{
		From:        "noreply@mailout.example",
		To:          "rcpt@example.org",
		NoteContent: NoteContent{Subject: "stalled", Body: "hello"},
	})

	count, err := ProcessQueue(ctxbg, pkglog, c, time.Now())
	tcheck(t, err, "process queue")
	tcompare(t, count, 0)
	tcompare(t, getMsg(t, m.ID).Status, Outgoing)

	// The dialed connection must be closed when the handshake fails, the
	// server sees the peer go away.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.Lock()
		closed := srv.closed
		srv.Unlock()
		if closed >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection still open after failed handshake")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPasswordAuth(t *testing.T) {
	check := func(mechanisms []string, expect string) {
		t.Helper()
		a, err := passwordAuth("user", "pass", mechanisms)
		tcheck(t, err, "select mechanism")
		name, _ := a.Info()
		tcompare(t, name, expect)
	}
	check([]string{"LOGIN"}, "LOGIN")
	check([]string{"PLAIN", "LOGIN"}, "PLAIN")
	check([]string{"PLAIN", "CRAM-MD5"}, "CRAM-MD5")
	check([]string{"PLAIN", "CRAM-MD5", "SCRAM-SHA-1"}, "SCRAM-SHA-1")
	check([]string{"PLAIN", "SCRAM-SHA-1", "SCRAM-SHA-256"}, "SCRAM-SHA-256")
	if _, err := passwordAuth("user", "pass", []string{"XOAUTH2"}); err == nil {
		t.Fatalf("got a mechanism for a server offering only unsupported ones")
	}
}
