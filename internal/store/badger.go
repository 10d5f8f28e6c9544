// Package store journals race snapshots in badger so a node promoted to
// host, or restarted, can resume the race it last saw.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/youngZwiebelandtheGemuseBeat/formula_race/internal/statesync"
)

var ErrClosed = errors.New("store closed")

var _ statesync.Store = (*Badger)(nil)

const entityPrefix = "snapshot"

// Badger keys snapshots as snapshot/<room>/<revision>, the room path
// escaped and the revision zero padded so byte order is revision order.
type Badger struct {
	db *badger.DB

	// Keep, when positive, bounds the journal per room: every Keep saves
	// the older revisions are pruned.
	Keep int

	mu     sync.Mutex
	closed bool
}

// OpenBadger opens a store in dir, or an in-memory one when dir is empty.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	log.Info().Str("component", "store").Str("dir", dir).Bool("inMemory", dir == "").Msg("snapshot store opened")
	return &Badger{db: db}, nil
}

func roomPrefix(room string) []byte {
	return []byte(fmt.Sprintf("%s/%s/", entityPrefix, url.PathEscape(room)))
}

func buildKey(room string, rev uint64) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d", entityPrefix, url.PathEscape(room), rev))
}

func encode(s statesync.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(val []byte) (statesync.Snapshot, error) {
	var s statesync.Snapshot
	dec := msgpack.NewDecoder(bytes.NewReader(val))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&s); err != nil {
		return s, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return s, nil
}

func (b *Badger) Save(room string, s statesync.Snapshot) error {
	if b.isClosed() {
		return ErrClosed
	}
	buf, err := encode(s)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(buildKey(room, s.Revision), buf)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if b.Keep > 0 && s.Revision%uint64(b.Keep) == 0 {
		return b.Prune(room, b.Keep)
	}
	return nil
}

// Latest returns the highest-revision snapshot for room.
func (b *Badger) Latest(room string) (statesync.Snapshot, bool, error) {
	var (
		snap  statesync.Snapshot
		found bool
	)
	if b.isClosed() {
		return snap, false, ErrClosed
	}
	prefix := roomPrefix(room)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			s, err := decode(val)
			if err != nil {
				return err
			}
			snap, found = s, true
			return nil
		})
	})
	if err != nil {
		return statesync.Snapshot{}, false, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	return snap, found, nil
}

// Revisions lists the stored revisions for room in ascending order.
func (b *Badger) Revisions(room string) ([]uint64, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	prefix := roomPrefix(room)
	var revs []uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rev uint64
			if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%d", &rev); err != nil {
				return fmt.Errorf("bad key %q: %w", it.Item().Key(), err)
			}
			revs = append(revs, rev)
		}
		return nil
	})
	return revs, err
}

// Prune drops every snapshot of room older than keep revisions back.
func (b *Badger) Prune(room string, keep int) error {
	revs, err := b.Revisions(room)
	if err != nil {
		return err
	}
	if len(revs) <= keep {
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, rev := range revs[:len(revs)-keep] {
			if err := txn.Delete(buildKey(room, rev)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *Badger) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// badgerLogger routes badger's own logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Str("component", "store").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Str("component", "store").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Str("component", "store").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Trace().Str("component", "store").Msgf(format, args...)
}
