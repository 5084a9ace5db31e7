package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mailout/mailout/config"
	"github.com/mailout/mailout/mlog"
	"github.com/mailout/mailout/smtpclient"
	"github.com/mailout/mailout/transport"
)

// Result is the outcome of a single message in a dispatcher run.
type Result struct {
	MsgID  int64
	Status Status
	Kind   FailureKind
	Reason string
}

// resolved is the transport a message will be sent over. A nil transport
// means the process-wide default configuration.
type resolved struct {
	t   *transport.Transport
	eff string // Effective sender the session is opened for.
}

// ProcessQueue sends ready messages: status outgoing and not scheduled past
// now, up to the configured scan limit. Messages are grouped by the
// transport they resolve to at this moment, so sender-filter changes take
// effect without re-queuing, and each group is sent over sessions of at most
// the configured sub-batch size. Returns the number of messages processed
// (sent or classified as failed; messages left outgoing for a later run do
// not count).
func ProcessQueue(ctx context.Context, log mlog.Log, c config.Dispatch, now time.Time) (int, error) {
	msgs, err := bstore.QueryDB[Msg](ctx, DB).
		FilterNonzero(Msg{Status: Outgoing}).
		FilterFn(func(m Msg) bool { return m.Sendable(now) }).
		SortAsc("ID").
		Limit(c.QueueScanLimit).
		List()
	if err != nil {
		return 0, fmt.Errorf("selecting ready messages: %v", err)
	}
	results, err := process(ctx, log, c, msgs)
	count := 0
	for _, r := range results {
		if r.Status != Outgoing {
			count++
		}
	}
	metricQueuedUpdate()
	return count, err
}

// SendNow synchronously sends the given messages, regardless of their
// scheduled time. Messages in exception state are retried. With raiseOnError
// the first message-level failure is returned as an error; otherwise
// failures are only reflected in the per-message results.
func SendNow(ctx context.Context, log mlog.Log, c config.Dispatch, ids []int64, raiseOnError bool) ([]Result, error) {
	var msgs []Msg
	for _, id := range ids {
		m := Msg{ID: id}
		if err := DB.Get(ctx, &m); err != nil {
			return nil, fmt.Errorf("get message %d: %v", id, err)
		}
		switch m.Status {
		case Outgoing, Exception:
			msgs = append(msgs, m)
		default:
			return nil, fmt.Errorf("message %d is %s, not sendable", id, m.Status)
		}
	}
	results, err := process(ctx, log, c, msgs)
	if err != nil {
		return results, err
	}
	metricQueuedUpdate()
	if raiseOnError {
		for _, r := range results {
			if r.Status == Exception {
				return results, fmt.Errorf("sending message %d: %s: %s", r.MsgID, r.Kind, r.Reason)
			}
		}
	}
	return results, nil
}

// process groups msgs by resolved transport and sends each group over one or
// more sessions. Messages it leaves in outgoing state appear in the results
// with status outgoing.
func process(ctx context.Context, log mlog.Log, c config.Dispatch, msgs []Msg) ([]Result, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	var actives []transport.Transport
	if transport.DB != nil {
		var err error
		actives, err = transport.Actives(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading transports: %v", err)
		}
	}

	// Group in first-seen order so messages stay in selection order within
	// their group.
	groups := map[int64][]Msg{}
	groupRes := map[int64]resolved{}
	var order []int64
	for _, m := range msgs {
		r := resolveTransport(m, actives, c.NotificationFrom)
		var key int64
		if r.t != nil {
			key = r.t.ID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
			groupRes[key] = r
			if r.t != nil && len(r.t.SenderFilter) > 0 && !r.covered() {
				log.Warn("sending over transport whose filter does not authorize the sender, from header will be rewritten",
					slog.String("transport", r.t.Name),
					slog.String("sender", r.eff))
			}
		}
		groups[key] = append(groups[key], m)
	}

	var results []Result
	for _, key := range order {
		r := groupRes[key]
		group := groups[key]
		for len(group) > 0 {
			n := c.SubBatchSize
			if n > len(group) {
				n = len(group)
			}
			sub := group[:n]
			group = group[n:]

			subResults, err := processSubBatch(ctx, log, c, r, sub)
			results = append(results, subResults...)
			if err != nil {
				var failure *Failure
				if errors.As(err, &failure) {
					if failure.Kind == FailNoTransport {
						// Process-level: no transport records and no
						// fallback configuration. No point continuing the
						// run.
						return results, err
					}
					// Session could not be opened. The whole group would
					// hit the same problem, move on to the next transport.
					log.Errorx("skipping transport group", err, slog.String("transport", r.name()))
					break
				}
				// Session died mid-batch. The next sub-batch gets a fresh
				// session.
				log.Errorx("sub-batch aborted", err, slog.String("transport", r.name()))
			}
		}
	}
	return results, nil
}

// covered returns whether the filter of the resolved transport authorizes
// the effective sender.
func (r resolved) covered() bool {
	a, _, ok := transport.Normalize(r.eff)
	return ok && r.t.CoversSender(a)
}

func (r resolved) name() string {
	if r.t == nil {
		return "(default)"
	}
	return r.t.Name
}

// resolveTransport resolves the transport for one message: its pinned
// transport if still active, otherwise selection by sender filter.
func resolveTransport(m Msg, actives []transport.Transport, fallback string) resolved {
	if m.TransportID != 0 {
		for i := range actives {
			if actives[i].ID == m.TransportID {
				t := &actives[i]
				eff := fallback
				if a, _, ok := transport.Normalize(m.From); ok {
					if len(t.SenderFilter) > 0 && t.CoversSender(a) {
						eff = a
					} else if eff == "" {
						eff = a
					}
				}
				return resolved{t, eff}
			}
		}
		// Pinned transport archived or deactivated, fall through to
		// selection.
	}
	t, eff := transport.Select(m.From, fallback, actives)
	return resolved{t, eff}
}

// processSubBatch opens one session and sends the messages in order. A
// returned error means the session could not be opened or died mid-batch;
// messages not yet terminally recorded remain outgoing for a later run.
func processSubBatch(ctx context.Context, log mlog.Log, c config.Dispatch, r resolved, sub []Msg) ([]Result, error) {
	sess, failure := openSession(ctx, log, c, r.t, r.eff)
	if failure != nil {
		var results []Result
		for _, m := range sub {
			results = append(results, Result{m.ID, Outgoing, failure.Kind, failure.Err.Error()})
		}
		return results, failure
	}
	defer func() {
		err := sess.Close()
		log.Check(err, "closing session", slog.String("transport", r.name()))
	}()

	var results []Result
	for i, m := range sub {
		result, err := deliverMsg(ctx, log.With(slog.Int64("msg", m.ID)), c, sess, m)
		results = append(results, result)
		if err != nil {
			// Session dropped. Messages not yet attempted stay outgoing.
			for _, rest := range sub[i+1:] {
				results = append(results, Result{rest.ID, Outgoing, FailNone, ""})
			}
			return results, err
		}
	}
	return results, nil
}

// deliverMsg prepares and transmits one message and commits its outcome. A
// returned error means the session is no longer usable; the message itself
// is then left outgoing unless it was already recorded.
func deliverMsg(ctx context.Context, log mlog.Log, c config.Dispatch, sess *session, m Msg) (Result, error) {
	start := time.Now()

	attachments, err := Attachments(ctx, m.ID)
	if err != nil {
		return Result{m.ID, Outgoing, FailNone, ""}, fmt.Errorf("loading attachments for message %d: %v", m.ID, err)
	}
	records, err := Records(ctx, m.ID)
	if err != nil {
		return Result{m.ID, Outgoing, FailNone, ""}, fmt.Errorf("loading delivery records for message %d: %v", m.ID, err)
	}

	p, failure := prepare(c, sess, m, attachments, records)
	if failure != nil {
		// Message-level classification. Later messages in the sub-batch are
		// unaffected.
		if err := commitFailure(ctx, m.ID, failure, nil, nil); err != nil {
			return Result{m.ID, Outgoing, failure.Kind, failure.Err.Error()}, err
		}
		metricDelivery.WithLabelValues(sess.transportName, string(failure.Kind)).Observe(float64(time.Since(start)) / float64(time.Second))
		log.Infox("message failed in preparation", failure, slog.String("kind", string(failure.Kind)))
		return Result{m.ID, Exception, failure.Kind, failure.Err.Error()}, nil
	}

	// Commit a pending marker for each recipient before touching the wire. A
	// crash mid-send then never leaves a record stuck at ready; success
	// overwrites the marker.
	if err := markPending(ctx, m.ID, p.rcptTo, p.invalid); err != nil {
		return Result{m.ID, Outgoing, FailNone, ""}, fmt.Errorf("recording pending delivery for message %d: %v", m.ID, err)
	}

	resps, derr := sess.client.DeliverMultiple(ctx, p.mailFrom, p.rcptTo, int64(len(p.data)), bytes.NewReader(p.data), p.has8bit)

	if derr != nil && (sess.client.Botched() || errors.Is(derr, smtpclient.ErrClosed)) {
		// Connection-level: this message and the remainder of the sub-batch
		// stay outgoing.
		metricDelivery.WithLabelValues(sess.transportName, string(FailTransportUnavailable)).Observe(float64(time.Since(start)) / float64(time.Second))
		return Result{m.ID, Outgoing, FailTransportUnavailable, derr.Error()}, fmt.Errorf("session lost delivering message %d: %w", m.ID, derr)
	}

	if derr != nil {
		// The transaction failed. Permanent remote rejections classify as
		// protocol-rejected; temporary ones leave the message outgoing for
		// the next run.
		var cerr smtpclient.Error
		permanent := errors.As(derr, &cerr) && cerr.Permanent
		if !permanent && allRejectedPermanent(resps) {
			// Every recipient was rejected with a permanent code. The
			// transaction error itself is reported as temporary, but retrying
			// would only repeat the same rejections.
			permanent = true
		}
		if permanent {
			failure := &Failure{FailProtocolRejected, derr}
			if err := commitFailure(ctx, m.ID, failure, p.rcptTo, resps); err != nil {
				return Result{m.ID, Outgoing, failure.Kind, derr.Error()}, err
			}
			metricDelivery.WithLabelValues(sess.transportName, string(FailProtocolRejected)).Observe(float64(time.Since(start)) / float64(time.Second))
			log.Infox("message rejected by remote", derr)
			return Result{m.ID, Exception, FailProtocolRejected, derr.Error()}, nil
		}
		if err := recordTransient(ctx, m.ID, derr); err != nil {
			return Result{m.ID, Outgoing, FailTransportUnavailable, derr.Error()}, err
		}
		metricDelivery.WithLabelValues(sess.transportName, string(FailTransportUnavailable)).Observe(float64(time.Since(start)) / float64(time.Second))
		log.Infox("message deferred by remote", derr)
		return Result{m.ID, Outgoing, FailTransportUnavailable, derr.Error()}, nil
	}

	// At least one recipient accepted the message, so the message is sent.
	// Rejected recipients keep their own exception records; the message is
	// not re-queued for them, that would spam the accepted recipients.
	if err := commitSent(ctx, m, p, resps); err != nil {
		return Result{m.ID, Outgoing, FailNone, ""}, err
	}
	result := "ok"
	for _, resp := range resps {
		if resp.Err != nil {
			result = "partial"
			break
		}
	}
	metricDelivery.WithLabelValues(sess.transportName, result).Observe(float64(time.Since(start)) / float64(time.Second))
	log.Debug("message sent", slog.Int("recipients", len(p.rcptTo)))
	return Result{m.ID, Sent, FailNone, ""}, nil
}

// allRejectedPermanent returns whether a transaction produced per-recipient
// responses and every one of them was a permanent rejection. A single
// accepted or temporarily rejected recipient makes the transaction worth
// retrying.
func allRejectedPermanent(resps []smtpclient.Response) bool {
	if len(resps) == 0 {
		return false
	}
	for _, resp := range resps {
		if resp.Err == nil || !resp.Permanent {
			return false
		}
	}
	return true
}

// recordFor finds or creates the DeliveryRecord of a recipient address.
func recordFor(tx *bstore.Tx, msgID int64, addr string) (DeliveryRecord, error) {
	addr = strings.ToLower(addr)
	dr, err := bstore.QueryTx[DeliveryRecord](tx).
		FilterNonzero(DeliveryRecord{MsgID: msgID, Address: addr}).
		Get()
	if err == nil {
		return dr, nil
	}
	if err != bstore.ErrAbsent {
		return DeliveryRecord{}, err
	}
	dr = DeliveryRecord{MsgID: msgID, Address: addr, Status: RecipReady, Modified: time.Now()}
	if err := tx.Insert(&dr); err != nil {
		return DeliveryRecord{}, err
	}
	return dr, nil
}

// markPending transitions every non-terminal DeliveryRecord into a committed
// pending marker before the wire send, and records the recipients dropped
// during preparation.
func markPending(ctx context.Context, msgID int64, rcpts []string, invalid []invalidRecipient) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		now := time.Now()
		for _, addr := range rcpts {
			dr, err := recordFor(tx, msgID, addr)
			if err != nil {
				return err
			}
			if dr.Status == RecipSent {
				continue
			}
			dr.Status = RecipException
			dr.FailureKind = FailUnknown
			dr.FailureReason = "delivery in progress"
			dr.Modified = now
			if err := tx.Update(&dr); err != nil {
				return err
			}
		}
		for _, ir := range invalid {
			dr, err := recordFor(tx, msgID, ir.Address)
			if err != nil {
				return err
			}
			if dr.Status == RecipSent {
				continue
			}
			dr.Status = RecipException
			dr.FailureKind = ir.Kind
			dr.FailureReason = ir.Reason
			dr.Modified = now
			if err := tx.Update(&dr); err != nil {
				return err
			}
		}
		// Nothing may stay at ready across a send attempt. Remaining ready
		// records get the same marker as the envelope recipients.
		ready, err := bstore.QueryTx[DeliveryRecord](tx).FilterNonzero(DeliveryRecord{MsgID: msgID, Status: RecipReady}).List()
		if err != nil {
			return err
		}
		for _, dr := range ready {
			dr.Status = RecipException
			dr.FailureKind = FailUnknown
			dr.FailureReason = "delivery in progress"
			dr.Modified = now
			if err := tx.Update(&dr); err != nil {
				return err
			}
		}
		return nil
	})
}

// commitFailure records a message-level failure and the per-recipient
// rejections if the wire send got far enough to produce them. No recipient
// received the message, so accepted RCPT responses are not promoted to sent;
// together with any leftover ready records and pending markers they resolve
// into the message's classification.
func commitFailure(ctx context.Context, msgID int64, failure *Failure, rcpts []string, resps []smtpclient.Response) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		m := Msg{ID: msgID}
		if err := tx.Get(&m); err != nil {
			return err
		}
		m.Status = Exception
		m.FailureKind = failure.Kind
		m.FailureReason = failure.Err.Error()
		if err := tx.Update(&m); err != nil {
			return err
		}
		if err := applyResponses(tx, msgID, rcpts, resps, false); err != nil {
			return err
		}

		records, err := bstore.QueryTx[DeliveryRecord](tx).FilterNonzero(DeliveryRecord{MsgID: msgID}).List()
		if err != nil {
			return err
		}
		now := time.Now()
		for _, dr := range records {
			if dr.Status == RecipSent || dr.Status == RecipException && dr.FailureKind != FailUnknown {
				continue
			}
			dr.Status = RecipException
			dr.FailureKind = failure.Kind
			dr.FailureReason = failure.Err.Error()
			dr.Modified = now
			if err := tx.Update(&dr); err != nil {
				return err
			}
		}
		return nil
	})
}

// recordTransient keeps the message outgoing but notes why the last attempt
// did not succeed.
func recordTransient(ctx context.Context, msgID int64, derr error) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		m := Msg{ID: msgID}
		if err := tx.Get(&m); err != nil {
			return err
		}
		m.FailureKind = FailTransportUnavailable
		m.FailureReason = derr.Error()
		return tx.Update(&m)
	})
}

// commitSent records the send: message sent, accepted recipients sent,
// rejected recipients with their classification. With auto-delete and no
// remaining recipient failure the message and its attachments are removed.
func commitSent(ctx context.Context, m Msg, p *prepared, resps []smtpclient.Response) error {
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := applyResponses(tx, m.ID, p.rcptTo, resps, true); err != nil {
			return err
		}

		unresolved := false
		records, err := bstore.QueryTx[DeliveryRecord](tx).FilterNonzero(DeliveryRecord{MsgID: m.ID}).List()
		if err != nil {
			return err
		}
		for _, dr := range records {
			if dr.Status == RecipException {
				unresolved = true
				break
			}
		}

		if m.AutoDelete && !unresolved {
			if _, err := bstore.QueryTx[DeliveryRecord](tx).FilterNonzero(DeliveryRecord{MsgID: m.ID}).Delete(); err != nil {
				return err
			}
			if _, err := bstore.QueryTx[Attachment](tx).FilterNonzero(Attachment{MsgID: m.ID}).Delete(); err != nil {
				return err
			}
			return tx.Delete(&Msg{ID: m.ID})
		}

		m.Status = Sent
		m.FailureKind = FailNone
		m.FailureReason = ""
		return tx.Update(&m)
	})
}

// applyResponses writes the per-recipient outcome of a wire send. Responses
// are indexed like the recipients they were sent for. Entries without a
// response code are recipients the transaction never reached; their pending
// markers are left alone. An accepted RCPT means a recipient received the
// message only when the transaction as a whole completed; with delivered
// false only the rejections are recorded.
func applyResponses(tx *bstore.Tx, msgID int64, rcpts []string, resps []smtpclient.Response, delivered bool) error {
	now := time.Now()
	for i, resp := range resps {
		if i >= len(rcpts) {
			break
		}
		if resp.Code == 0 && resp.Err == nil {
			continue
		}
		if resp.Err == nil && !delivered {
			continue
		}
		dr, err := recordFor(tx, msgID, rcpts[i])
		if err != nil {
			return err
		}
		if resp.Err == nil {
			dr.Status = RecipSent
			dr.FailureKind = FailNone
			dr.FailureReason = ""
		} else {
			dr.Status = RecipException
			dr.FailureKind = FailProtocolRejected
			dr.FailureReason = fmt.Sprintf("%s (%d %s)", resp.Err, resp.Code, resp.Secode)
		}
		dr.Modified = now
		if err := tx.Update(&dr); err != nil {
			return err
		}
	}
	return nil
}
