package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"
	"time"

	"govorilka/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// bucketClock holds the last store-assigned timestamp per document, so
// ServerTimestamp resolution stays strictly monotonic across restarts.
var bucketClock = []byte("_clock")

type BboltStore struct {
	db       *bbolt.DB
	notifier *notifier

	// Serializes the write+publish pair so subscribers observe commits
	// in commit order.
	mu sync.Mutex

	now func() time.Time
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClock)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create clock bucket: %w", err)
	}

	return &BboltStore{
		db:       db,
		notifier: newNotifier(),
		now:      time.Now,
	}, nil
}

func (s *BboltStore) Close() error {
	s.notifier.closeAll()
	return s.db.Close()
}

func (s *BboltStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	snap := Snapshot{Collection: collection, ID: id}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		snap.Exists = true
		snap.data = append([]byte(nil), v...)
		return nil
	})
	return snap, err
}

func (s *BboltStore) Set(ctx context.Context, collection, id string, value any) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", collection, id, err)
	}

	s.notifier.publish(Snapshot{Collection: collection, ID: id, Exists: true, data: data})
	return nil
}

func (s *BboltStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.mutate(collection, id, func(doc map[string]any, clock *tsClock) error {
		for k, v := range fields {
			doc[k] = clock.resolve(v)
		}
		return nil
	})
}

func (s *BboltStore) ArrayAppend(ctx context.Context, collection, id, field string, elems ...any) error {
	return s.mutate(collection, id, func(doc map[string]any, clock *tsClock) error {
		arr, ok := doc[field].([]any)
		if !ok && doc[field] != nil {
			return fmt.Errorf("field %q is not an array", field)
		}
		for _, e := range elems {
			arr = append(arr, clock.resolve(e))
		}
		doc[field] = arr
		return nil
	})
}

// mutate runs a read-modify-write of one document inside a single bbolt
// transaction and publishes the committed state.
func (s *BboltStore) mutate(collection, id string, apply func(doc map[string]any, clock *tsClock) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var committed []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return models.ErrNotFound
		}
		v := b.Get([]byte(id))
		if v == nil {
			return models.ErrNotFound
		}

		var doc map[string]any
		if err := msgpack.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("failed to unmarshal %s/%s: %w", collection, id, err)
		}

		clock := &tsClock{tx: tx, key: docKey(collection, id), now: s.now().UnixMilli()}
		if err := apply(doc, clock); err != nil {
			return err
		}
		if err := clock.commit(); err != nil {
			return err
		}

		data, err := msgpack.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s: %w", collection, id, err)
		}
		committed = data
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return err
	}

	s.notifier.publish(Snapshot{Collection: collection, ID: id, Exists: true, data: committed})
	return nil
}

func (s *BboltStore) Query(ctx context.Context, collection, field string, value any) ([]Snapshot, error) {
	want := normalize(value)
	var result []Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var doc map[string]any
			if err := msgpack.Unmarshal(v, &doc); err != nil {
				return err
			}
			if !reflect.DeepEqual(doc[field], want) {
				return nil
			}
			result = append(result, Snapshot{
				Collection: collection,
				ID:         string(k),
				Exists:     true,
				data:       append([]byte(nil), v...),
			})
			return nil
		})
	})
	return result, err
}

func (s *BboltStore) Subscribe(collection, id string) (<-chan Snapshot, func()) {
	// The lock here orders the initial snapshot before any concurrent
	// commit notification.
	s.mu.Lock()
	current, err := s.Get(context.Background(), collection, id)
	if err != nil {
		current = Snapshot{Collection: collection, ID: id}
	}
	ch, release := s.notifier.subscribe(collection, id, current)
	s.mu.Unlock()
	return ch, release
}

// tsClock allocates server-assigned timestamps inside one transaction.
// The first sentinel gets max(now, last+1), each further sentinel the next
// millisecond, so ordering within a document is strict.
type tsClock struct {
	tx     *bbolt.Tx
	key    string
	now    int64
	next   int64
	loaded bool
	used   bool
}

func (c *tsClock) alloc() int64 {
	if !c.loaded {
		c.loaded = true
		last := int64(0)
		if v := c.tx.Bucket(bucketClock).Get([]byte(c.key)); v != nil {
			last = int64(binary.BigEndian.Uint64(v))
		}
		c.next = c.now
		if c.next <= last {
			c.next = last + 1
		}
	}
	ts := c.next
	c.next++
	c.used = true
	return ts
}

// resolve replaces ServerTimestamp sentinels in v, recursing through maps
// and arrays.
func (c *tsClock) resolve(v any) any {
	switch val := v.(type) {
	case ServerTimestamp, *ServerTimestamp:
		return c.alloc()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = c.resolve(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = c.resolve(e)
		}
		return out
	default:
		return v
	}
}

func (c *tsClock) commit() error {
	if !c.used {
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(c.next-1))
	return c.tx.Bucket(bucketClock).Put([]byte(c.key), buf)
}

// normalize passes a value through the codec so query comparisons see the
// same representation as stored documents.
func normalize(v any) any {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
