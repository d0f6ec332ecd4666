package storedb

import (
	"bytes"
	"maps"
	"slices"
	"sort"
	"sync"

	"go.etcd.io/bbolt"
)

// memStorage keeps the database in memory. Buckets are shared between
// transactions copy-on-write: a writer clones a bucket before changing it,
// so the snapshots held by readers never mutate. Limits and error values
// follow Bolt.
type memStorage struct {
	mu     sync.Mutex
	cond   *sync.Cond
	state  memState
	writer bool
	closed bool
}

type memState struct {
	roots map[string]*memBucket
	rows  map[string]*memBucket // row buckets by collection
}

func (st memState) clone() memState {
	return memState{maps.Clone(st.roots), maps.Clone(st.rows)}
}

func newMemStorage() storage {
	s := &memStorage{
		state: memState{
			roots: make(map[string]*memBucket),
			rows:  make(map[string]*memBucket),
		},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for writable && s.writer && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, bbolt.ErrDatabaseNotOpen
	}
	tx := &memTx{s: s, writable: writable, state: s.state.clone()}
	if writable {
		s.writer = true
		tx.owned = make(map[*memBucket]bool)
	}
	return tx, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.state = memState{}
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	s        *memStorage
	writable bool
	state    memState
	owned    map[*memBucket]bool // buckets cloned by this writer
	done     bool
}

func (tx *memTx) Writable() bool {
	return tx.writable
}

func (tx *memTx) Root(name string) storageBucket {
	return tx.handle(tx.state.roots, name)
}

func (tx *memTx) CreateRoot(name string) (storageBucket, error) {
	if name == "" {
		return nil, bbolt.ErrBucketNameRequired
	}
	return tx.create(tx.state.roots, name)
}

func (tx *memTx) RootNames(f func(name string) error) error {
	names := slices.Sorted(maps.Keys(tx.state.roots))
	for _, name := range names {
		if err := f(name); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) Rows(collection string) storageBucket {
	if tx.state.roots[rowsBucket] == nil {
		return nil
	}
	return tx.handle(tx.state.rows, collection)
}

func (tx *memTx) CreateRows(collection string) (storageBucket, error) {
	if tx.state.roots[rowsBucket] == nil {
		return nil, bbolt.ErrBucketNotFound
	}
	if collection == "" {
		return nil, bbolt.ErrBucketNameRequired
	}
	return tx.create(tx.state.rows, collection)
}

func (tx *memTx) DropRows(collection string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if tx.state.rows[collection] == nil {
		return bbolt.ErrBucketNotFound
	}
	delete(tx.state.rows, collection)
	return nil
}

func (tx *memTx) handle(m map[string]*memBucket, name string) storageBucket {
	if m[name] == nil {
		return nil
	}
	return &memBucketHandle{tx, m, name}
}

func (tx *memTx) create(m map[string]*memBucket, name string) (storageBucket, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if m[name] == nil {
		b := &memBucket{}
		tx.owned[b] = true
		m[name] = b
	}
	return &memBucketHandle{tx, m, name}, nil
}

func (tx *memTx) checkWritable() error {
	if tx.done {
		return bbolt.ErrTxClosed
	}
	if !tx.writable {
		return bbolt.ErrTxNotWritable
	}
	return nil
}

// mutable returns the bucket called name in m, cloning it first if this
// transaction doesn't own it yet.
func (tx *memTx) mutable(m map[string]*memBucket, name string) (*memBucket, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	b := m[name]
	if b == nil {
		return nil, bbolt.ErrBucketNotFound
	}
	if !tx.owned[b] {
		b = &memBucket{items: slices.Clone(b.items)}
		tx.owned[b] = true
		m[name] = b
	}
	return b, nil
}

func (tx *memTx) Commit() error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.endLocked()
	if s.closed {
		return bbolt.ErrDatabaseNotOpen
	}
	s.state = tx.state
	return nil
}

func (tx *memTx) Rollback() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.endLocked()
	return nil
}

func (tx *memTx) endLocked() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.writable {
		tx.s.writer = false
		tx.s.cond.Broadcast()
	}
}

func (tx *memTx) Size() int64 {
	return 0
}

// memBucket is immutable once its writer commits; items are sorted by key.
type memBucket struct {
	items []memKV
}

type memKV struct {
	key   []byte
	value []byte
}

func (b *memBucket) find(key []byte) (int, bool) {
	i := sort.Search(len(b.items), func(i int) bool {
		return bytes.Compare(b.items[i].key, key) >= 0
	})
	return i, i < len(b.items) && bytes.Equal(b.items[i].key, key)
}

type memBucketHandle struct {
	tx   *memTx
	m    map[string]*memBucket
	name string
}

func (h *memBucketHandle) bucket() *memBucket {
	if b := h.m[h.name]; b != nil {
		return b
	}
	return &memBucket{}
}

func (h *memBucketHandle) Get(key []byte) []byte {
	b := h.bucket()
	if i, ok := b.find(key); ok {
		return b.items[i].value
	}
	return nil
}

func (h *memBucketHandle) Put(key, value []byte) error {
	switch {
	case len(key) == 0:
		return bbolt.ErrKeyRequired
	case len(key) > bbolt.MaxKeySize:
		return bbolt.ErrKeyTooLarge
	case int64(len(value)) > bbolt.MaxValueSize:
		return bbolt.ErrValueTooLarge
	}
	b, err := h.tx.mutable(h.m, h.name)
	if err != nil {
		return err
	}
	kv := memKV{slices.Clone(key), append([]byte{}, value...)}
	if i, ok := b.find(key); ok {
		b.items[i] = kv
	} else {
		b.items = slices.Insert(b.items, i, kv)
	}
	return nil
}

func (h *memBucketHandle) Delete(key []byte) error {
	if err := h.tx.checkWritable(); err != nil {
		return err
	}
	if _, ok := h.bucket().find(key); !ok {
		return nil
	}
	b, err := h.tx.mutable(h.m, h.name)
	if err != nil {
		return err
	}
	i, _ := b.find(key)
	b.items = slices.Delete(b.items, i, i+1)
	return nil
}

func (h *memBucketHandle) Cursor() storageCursor {
	return &memCursor{items: h.bucket().items, pos: -1}
}

func (h *memBucketHandle) KeyCount() int {
	return len(h.bucket().items)
}

// memCursor iterates over the items as of its creation.
type memCursor struct {
	items []memKV
	pos   int
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = -1
	return c.Next()
}

func (c *memCursor) Next() ([]byte, []byte) {
	c.pos++
	if c.pos >= len(c.items) {
		c.pos = len(c.items)
		return nil, nil
	}
	kv := c.items[c.pos]
	return kv.key, kv.value
}
