package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/bstore"
)

var DBTypes = []any{Transport{}} // Types stored in DB.
var DB *bstore.DB                // Exported for making backups.

var ErrInUse = errors.New("transport is in use")

// Init opens the transport database under dataDir.
func Init(ctx context.Context, dataDir string) error {
	p := filepath.Join(dataDir, "transport.db")
	os.MkdirAll(filepath.Dir(p), 0770)
	var err error
	DB, err = bstore.Open(ctx, p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return fmt.Errorf("open transport database: %v", err)
	}
	return nil
}

// Shutdown closes the transport database.
func Shutdown() error {
	err := DB.Close()
	DB = nil
	return err
}

// Add validates and stores a new transport.
func Add(ctx context.Context, t *Transport) error {
	if err := t.Check(); err != nil {
		return err
	}
	t.Modified = time.Now()
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		return tx.Insert(t)
	})
}

// Update validates and stores changes to an existing transport.
func Update(ctx context.Context, t *Transport) error {
	if err := t.Check(); err != nil {
		return err
	}
	t.Modified = time.Now()
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		return tx.Update(t)
	})
}

// Get returns the transport with the given id.
func Get(ctx context.Context, id int64) (Transport, error) {
	t := Transport{ID: id}
	err := DB.Get(ctx, &t)
	return t, err
}

// List returns all transports, in priority order.
func List(ctx context.Context) ([]Transport, error) {
	return bstore.QueryDB[Transport](ctx, DB).SortAsc("Priority", "ID").List()
}

// Actives returns the active transports, in priority order. The dispatcher
// calls this once per run; changes take effect on the next run.
func Actives(ctx context.Context) ([]Transport, error) {
	return bstore.QueryDB[Transport](ctx, DB).FilterNonzero(Transport{Active: true}).SortAsc("Priority", "ID").List()
}

// Collaborators owning durable records that pin a transport register a
// reason here. While any reason is registered the transport cannot be
// archived. Keyed by transport id.
var inUse = struct {
	sync.Mutex
	reasons map[int64]map[string]bool
}{reasons: map[int64]map[string]bool{}}

// RegisterInUseReason marks a transport as referenced by a durable external
// record, blocking Archive until the reason is unregistered.
func RegisterInUseReason(transportID int64, reason string) {
	inUse.Lock()
	defer inUse.Unlock()
	m := inUse.reasons[transportID]
	if m == nil {
		m = map[string]bool{}
		inUse.reasons[transportID] = m
	}
	m[reason] = true
}

// UnregisterInUseReason removes a previously registered reason.
func UnregisterInUseReason(transportID int64, reason string) {
	inUse.Lock()
	defer inUse.Unlock()
	m := inUse.reasons[transportID]
	delete(m, reason)
	if len(m) == 0 {
		delete(inUse.reasons, transportID)
	}
}

// InUseReasons returns the registered reasons for a transport, sorted.
func InUseReasons(transportID int64) []string {
	inUse.Lock()
	defer inUse.Unlock()
	var l []string
	for r := range inUse.reasons[transportID] {
		l = append(l, r)
	}
	sort.Strings(l)
	return l
}

// Archive deactivates a transport so new sends no longer use it. Rejected
// with ErrInUse while any in-use reason is registered for it.
func Archive(ctx context.Context, id int64) error {
	if reasons := InUseReasons(id); len(reasons) > 0 {
		return fmt.Errorf("%w: %s", ErrInUse, strings.Join(reasons, "; "))
	}
	return DB.Write(ctx, func(tx *bstore.Tx) error {
		t := Transport{ID: id}
		if err := tx.Get(&t); err != nil {
			return err
		}
		t.Active = false
		t.Modified = time.Now()
		return tx.Update(&t)
	})
}
