// Package journal keeps a persistent audit trail of the transactions the
// helper dispatches. Entries are msgpack encoded in a bbolt bucket keyed by
// an increasing sequence number.
package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
)

const entriesBucket = "transactions"

// DefaultPath is the journal location used by the helper.
const DefaultPath = "/var/lib/rmm-bridge/journal.db"

// Entry is one dispatched transaction.
type Entry struct {
	ID         uint64    `msgpack:"id"`
	Time       time.Time `msgpack:"time"`
	Descriptor string    `msgpack:"descriptor"`
	Method     string    `msgpack:"method"`
	Code       uint32    `msgpack:"code"`
	Status     string    `msgpack:"status"`
	// CallerUID is -1 for in-process calls.
	CallerUID  int32  `msgpack:"caller_uid"`
	CallerPID  int32  `msgpack:"caller_pid"`
	Transport  string `msgpack:"transport,omitempty"`
	DurationUs int64  `msgpack:"duration_us"`
	Error      string `msgpack:"error,omitempty"`
}

// Journal provides persistent storage for transaction entries.
// It implements binder.Observer.
type Journal struct {
	db     *bolt.DB
	logger *slog.Logger
}

var _ binder.Observer = (*Journal)(nil)

// Open opens or creates the journal database.
func Open(dbPath string, logger *slog.Logger) (*Journal, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal bucket: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logger.With(slog.String("component", "journal")),
	}, nil
}

// Append stores e and assigns its ID.
func (j *Journal) Append(e *Entry) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))

		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id

		data, err := msgpack.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		return b.Put(itob(id), data)
	})
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	var entries []Entry

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(entriesBucket)).Cursor()

		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				j.logger.Warn("skipping undecodable entry",
					slog.Uint64("id", binary.BigEndian.Uint64(k)),
					slog.String("error", err.Error()),
				)
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})

	return entries, err
}

// Count returns the number of stored entries.
func (j *Journal) Count() (int, error) {
	var count int
	err := j.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(entriesBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Prune deletes the oldest entries so that at most keep remain. It returns
// the number of entries removed.
func (j *Journal) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	removed := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		excess := b.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < excess; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})

	return removed, err
}

// ObserveTransaction records ev. Storage failures are logged, never
// returned to the caller of the transaction.
func (j *Journal) ObserveTransaction(ctx context.Context, ev binder.Event) {
	e := &Entry{
		Time:       time.Now().UTC(),
		Descriptor: ev.Descriptor,
		Method:     ev.Method,
		Code:       uint32(ev.Code),
		Status:     ev.Status.String(),
		CallerUID:  -1,
		DurationUs: ev.Duration.Microseconds(),
	}
	if ev.HasCaller {
		e.CallerUID = ev.Caller.UID
		e.CallerPID = ev.Caller.PID
		e.Transport = ev.Caller.Transport
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}

	if err := j.Append(e); err != nil {
		j.logger.Error("failed to journal transaction",
			slog.String("method", ev.Method),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Shutdown implements the shutdown.Shutdowner interface.
func (j *Journal) Shutdown(ctx context.Context) error {
	return j.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
