// Package queue holds outgoing messages and delivers them over SMTP,
// grouping ready messages by the transport they resolve to and sending each
// group over a bounded number of authenticated sessions. It records a
// per-recipient delivery outcome next to the aggregate message status.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/mailout/mailout/mlog"
)

var (
	metricDelivery = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailout_queue_delivery_duration_seconds",
			Help:    "SMTP delivery attempt of a single message.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"transport", // Transport name, "(default)" for the fallback configuration.
			"result",    // "ok", "partial", or the failure kind.
		},
	)
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailout_queue_connection_total",
			Help: "Outgoing session attempts.",
		},
		[]string{
			"result", // "ok", "error"
		},
	)
	metricQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailout_queue_ready",
			Help: "Messages in the queue in outgoing state.",
		},
	)
)

var DBTypes = []any{Msg{}, Attachment{}, DeliveryRecord{}} // Types stored in DB.
var DB *bstore.DB                                          // Exported for making backups.

// Status of a queued message.
type Status string

const (
	Outgoing  Status = "outgoing"  // Ready to be sent.
	Sent      Status = "sent"      // At least one recipient accepted the message.
	Exception Status = "exception" // Classified failure, see FailureKind.
	Cancelled Status = "cancelled" // Withdrawn before sending.
)

// RecipientStatus of a single DeliveryRecord.
type RecipientStatus string

const (
	RecipReady     RecipientStatus = "ready"
	RecipSent      RecipientStatus = "sent"
	RecipException RecipientStatus = "exception"
)

// FailureKind is the closed classification of delivery failures. Only
// transport-unavailable failures are retried automatically.
type FailureKind string

const (
	FailNone                 FailureKind = ""
	FailNoTransport          FailureKind = "no-transport-configured"
	FailMalformedSender      FailureKind = "malformed-sender"
	FailNoValidRecipient     FailureKind = "no-valid-recipient"
	FailRecipientMissing     FailureKind = "recipient-missing"
	FailRecipientInvalid     FailureKind = "recipient-invalid"
	FailTransportUnavailable FailureKind = "transport-unavailable"
	FailProtocolRejected     FailureKind = "protocol-rejected"
	FailUnknown              FailureKind = "unknown"
)

// Transient returns whether a failure of this kind is eligible for automatic
// retry on a later queue run.
func (k FailureKind) Transient() bool {
	return k == FailTransportUnavailable
}

// Failure is a classified delivery failure.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

func failf(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{kind, fmt.Errorf(format, args...)}
}

// NoteContent is the message content shared with the surrounding business
// records. A Msg holds it as an explicitly embedded value.
type NoteContent struct {
	Subject  string
	Body     string // Primary body.
	BodyHTML string // Optional alternative HTML body.
}

// DeliveryMetadata identifies the business record a message was created for.
// Opaque to the queue, only threaded through to collaborators looking up
// their own records, e.g. when processing bounces.
type DeliveryMetadata struct {
	Model    string
	RecordID string
}

// Msg is a message in the queue.
type Msg struct {
	ID     int64
	Queued time.Time `bstore:"default now"`
	Status Status    `bstore:"nonzero,index"`

	// Zero means send on the next queue run. A future time keeps the message
	// out of queue runs until the clock passes it.
	ScheduledAt time.Time

	NoteContent

	// Free-form sender header as declared by the creating collaborator,
	// possibly with display name.
	From string

	ReplyTo string

	// Comma-joined, possibly loosely formatted recipient lists. Recipients
	// are extracted permissively at send time.
	To  string
	Cc  string
	Bcc string

	// Optional envelope sender (return path) override.
	EnvelopeFrom string

	// Extra headers to emit as-is.
	Headers map[string]string

	MessageID  string
	References string

	// Pinned transport. Zero means resolve by sender address at send time.
	TransportID int64

	// Delete message content after a successful send, once no recipient
	// failure remains unresolved.
	AutoDelete bool

	FailureKind   FailureKind
	FailureReason string // Human-readable, for display next to FailureKind.

	Metadata DeliveryMetadata
}

// Sendable returns whether the message is eligible for sending at time now.
func (m Msg) Sendable(now time.Time) bool {
	return m.Status == Outgoing && (m.ScheduledAt.IsZero() || !m.ScheduledAt.After(now))
}

// Attachment is a file sent along with a message, stored separately to keep
// Msg records small.
type Attachment struct {
	ID          int64
	MsgID       int64 `bstore:"nonzero,ref Msg"`
	Filename    string
	ContentType string
	Data        []byte
}

// DeliveryRecord tracks the delivery outcome for one intended recipient of a
// message, independent of the message's aggregate status. Records are
// created from structured recipient references at enqueue time and from
// extracted header addresses at send time.
//
// Once a record reaches sent for a send attempt, later external updates
// (e.g. a bounce processor) are applied as new transitions through their own
// write transactions; the database serializes writers so neither side
// corrupts or drops the other's write.
type DeliveryRecord struct {
	ID    int64
	MsgID int64 `bstore:"nonzero,ref Msg"`

	// Bare address, lower case. Empty if the structured reference resolved
	// to no usable address at all.
	Address string

	DisplayName string

	Status        RecipientStatus `bstore:"nonzero"`
	FailureKind   FailureKind
	FailureReason string
	Modified      time.Time
}

// Recipient is a structured recipient reference passed at enqueue time.
type Recipient struct {
	DisplayName string
	Address     string
}

// Init opens the queue database under dataDir without starting delivery.
func Init(ctx context.Context, dataDir string) error {
	p := filepath.Join(dataDir, "queue.db")
	os.MkdirAll(filepath.Dir(p), 0770)
	var err error
	DB, err = bstore.Open(ctx, p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return fmt.Errorf("open queue database: %v", err)
	}
	metricQueuedUpdate()
	return nil
}

// When we update the gauge, we just get the full current value, not try to
// account for adds/removes.
func metricQueuedUpdate() {
	count, err := bstore.QueryDB[Msg](context.Background(), DB).FilterNonzero(Msg{Status: Outgoing}).Count()
	if err != nil {
		mlog.New("queue", nil).Errorx("querying number of queued messages", err)
	}
	metricQueued.Set(float64(count))
}

// Shutdown closes the queue database.
func Shutdown() {
	err := DB.Close()
	if err != nil {
		mlog.New("queue", nil).Errorx("closing queue db", err)
	}
	DB = nil
}

// Enqueue adds a message in outgoing state, with its attachments and a
// DeliveryRecord per structured recipient reference. Returns the message id.
func Enqueue(ctx context.Context, m *Msg, attachments []Attachment, recipients []Recipient) (int64, error) {
	if m.Status == "" {
		m.Status = Outgoing
	}
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Insert(m); err != nil {
			return fmt.Errorf("inserting message: %v", err)
		}
		for i := range attachments {
			attachments[i].MsgID = m.ID
			if err := tx.Insert(&attachments[i]); err != nil {
				return fmt.Errorf("inserting attachment: %v", err)
			}
		}
		now := time.Now()
		for _, r := range recipients {
			dr := DeliveryRecord{
				MsgID:       m.ID,
				Address:     strings.ToLower(strings.TrimSpace(r.Address)),
				DisplayName: r.DisplayName,
				Status:      RecipReady,
				Modified:    now,
			}
			// A reference without any usable address is a permanent
			// per-recipient failure, recorded immediately.
			if dr.Address == "" {
				dr.Status = RecipException
				dr.FailureKind = FailRecipientMissing
				dr.FailureReason = "recipient reference has no address"
			}
			if err := tx.Insert(&dr); err != nil {
				return fmt.Errorf("inserting delivery record: %v", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metricQueuedUpdate()
	return m.ID, nil
}

// Filter selects messages to list, count or operate on. Only nonzero fields
// are applied.
type Filter struct {
	IDs     []int64
	Status  Status
	Model   string
	Max     int
	NewerTo *time.Time
}

func (f Filter) apply(q *bstore.Query[Msg]) {
	if len(f.IDs) > 0 {
		q.FilterIDs(f.IDs)
	}
	if f.Status != "" {
		q.FilterNonzero(Msg{Status: f.Status})
	}
	if f.Model != "" {
		q.FilterFn(func(m Msg) bool {
			return m.Metadata.Model == f.Model
		})
	}
	if f.NewerTo != nil {
		q.FilterGreaterEqual("Queued", *f.NewerTo)
	}
	if f.Max > 0 {
		q.Limit(f.Max)
	}
}

// List returns matching messages, oldest first.
func List(ctx context.Context, f Filter) ([]Msg, error) {
	q := bstore.QueryDB[Msg](ctx, DB)
	f.apply(q)
	return q.SortAsc("ID").List()
}

// Count returns the number of matching messages.
func Count(ctx context.Context, f Filter) (int, error) {
	q := bstore.QueryDB[Msg](ctx, DB)
	f.apply(q)
	return q.Count()
}

// Records returns the delivery records of a message.
func Records(ctx context.Context, msgID int64) ([]DeliveryRecord, error) {
	return bstore.QueryDB[DeliveryRecord](ctx, DB).FilterNonzero(DeliveryRecord{MsgID: msgID}).SortAsc("ID").List()
}

var ErrNotOutgoing = errors.New("message not in outgoing state")

// Cancel withdraws outgoing messages from the queue.
func Cancel(ctx context.Context, ids ...int64) error {
	err := DB.Write(ctx, func(tx *bstore.Tx) error {
		for _, id := range ids {
			m := Msg{ID: id}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("get message %d: %v", id, err)
			}
			if m.Status != Outgoing {
				return fmt.Errorf("%w: message %d is %s", ErrNotOutgoing, id, m.Status)
			}
			m.Status = Cancelled
			if err := tx.Update(&m); err != nil {
				return fmt.Errorf("update message %d: %v", id, err)
			}
		}
		return nil
	})
	metricQueuedUpdate()
	return err
}

// Attachments loads the attachments of a message.
func Attachments(ctx context.Context, msgID int64) ([]Attachment, error) {
	return bstore.QueryDB[Attachment](ctx, DB).FilterNonzero(Attachment{MsgID: msgID}).SortAsc("ID").List()
}
