package storedb

import (
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
	txFailed
)

func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolled back"
	case txFailed:
		return "failed"
	default:
		return fmt.Sprintf("txState(%d)", int(s))
	}
}

// txn is the untyped part of Tx, tracked by DB while open.
type txn struct {
	db         *DB
	collection string
	etx        *engineTx
	writable   bool
	state      txState
	startTime  time.Time
	stack      string
}

func (t *txn) init(db *DB, collection string, etx *engineTx) {
	t.db = db
	t.collection = collection
	t.etx = etx
	t.writable = etx.writable()
	t.startTime = time.Now()
	if trackTxns {
		t.stack = string(debug.Stack())
	}
	if t.writable {
		db.WriterCount.Add(1)
	} else {
		db.ReaderCount.Add(1)
	}
	db.addTx(t)
}

func (t *txn) checkOpen() error {
	if t.state != txActive {
		return ErrTxClosed
	}
	return nil
}

func (t *txn) checkWritable() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if !t.writable {
		return ErrTxReadOnly
	}
	return nil
}

func (t *txn) finish(state txState) {
	t.state = state
	t.db.removeTx(t)
	if t.writable {
		t.db.WriterCount.Add(-1)
	} else {
		t.db.ReaderCount.Add(-1)
	}
	if t.db.verbose {
		t.db.logger.Debug("tx end",
			zap.String("collection", t.collection),
			zap.Stringer("state", state),
			zap.Duration("duration", time.Since(t.startTime)))
	}
}

func (t *txn) commit() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	size := t.etx.size()
	err := t.etx.commit()
	if err != nil {
		t.finish(txFailed)
		t.db.logger.Error("commit failed", zap.String("collection", t.collection), zap.Error(err))
		return &CommitError{t.collection, err}
	}
	if t.writable {
		t.db.lastSize.Store(size)
		t.db.CommitCount.Add(1)
	}
	t.finish(txCommitted)
	return nil
}

func (t *txn) rollback() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.finish(txRolledBack)
	if t.writable {
		t.db.AbortCount.Add(1)
	}
	return storageErrf("rollback", t.collection, t.etx.rollback())
}

// end releases the transaction if it's still open.
func (t *txn) end() {
	if t.state == txActive {
		_ = t.rollback()
	}
}

// Tx is a unit of work over a single collection. It ends exactly once, with
// Commit or Rollback; any later call fails with ErrTxClosed. A Tx must not be
// used from multiple goroutines at once.
//
// Effects of a writable Tx become visible to other transactions on commit.
// Transactions begun earlier keep seeing their snapshot.
type Tx[K, V any] struct {
	txn
	coll *Collection[K, V]
}

// Entry is a decoded row.
type Entry[K, V any] struct {
	Key   K
	Value V
}

func (tx *Tx[K, V]) Collection() *Collection[K, V] {
	return tx.coll
}

func (tx *Tx[K, V]) Writable() bool {
	return tx.writable
}

// Commit makes the effects of a writable transaction durable and visible.
// On a read-only transaction it just ends it. When the engine fails to
// commit, Commit returns *CommitError and the transaction is closed anyway.
func (tx *Tx[K, V]) Commit() error {
	return tx.commit()
}

// Rollback discards every effect of the transaction.
func (tx *Tx[K, V]) Rollback() error {
	return tx.rollback()
}

// Cancel is the same as Rollback.
func (tx *Tx[K, V]) Cancel() error {
	return tx.rollback()
}

// Put inserts a new row. If key already exists in the collection, it fails
// with *DuplicateKeyError and leaves the stored value untouched. Use Set to
// overwrite.
func (tx *Tx[K, V]) Put(key K, value V) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	kraw, err := tx.coll.encodeKey(key)
	if err != nil {
		return err
	}
	vraw, err := tx.coll.encodeValue(value)
	if err != nil {
		return err
	}
	if tx.etx.contains(tx.collection, kraw) {
		if tx.db.verbose {
			tx.db.logger.Debug("duplicate key", zap.String("collection", tx.collection), hexField("key", kraw))
		}
		return &DuplicateKeyError{tx.collection, kraw}
	}
	return tx.etx.put(tx.collection, kraw, vraw)
}

// Set inserts or overwrites the row for key.
func (tx *Tx[K, V]) Set(key K, value V) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	kraw, err := tx.coll.encodeKey(key)
	if err != nil {
		return err
	}
	vraw, err := tx.coll.encodeValue(value)
	if err != nil {
		return err
	}
	return tx.etx.put(tx.collection, kraw, vraw)
}

// Get returns the value stored for key, and false if there is none.
func (tx *Tx[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if err := tx.checkOpen(); err != nil {
		return zero, false, err
	}
	kraw, err := tx.coll.encodeKey(key)
	if err != nil {
		return zero, false, err
	}
	vraw := tx.etx.get(tx.collection, kraw)
	if vraw == nil {
		return zero, false, nil
	}
	value, err := tx.coll.decodeValue(vraw)
	if err != nil {
		return zero, false, err
	}
	return value, true, nil
}

func (tx *Tx[K, V]) Contains(key K) (bool, error) {
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	kraw, err := tx.coll.encodeKey(key)
	if err != nil {
		return false, err
	}
	return tx.etx.contains(tx.collection, kraw), nil
}

// Delete removes the row for key. Deleting a missing key is a no-op.
func (tx *Tx[K, V]) Delete(key K) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	kraw, err := tx.coll.encodeKey(key)
	if err != nil {
		return err
	}
	return tx.etx.delete(tx.collection, kraw)
}

// Keys returns every key of the collection, ordered by their encoded bytes.
// That is logical order only for order-preserving key codecs such as
// Uint64Key. If any key fails to decode, Keys returns just the error.
func (tx *Tx[K, V]) Keys() ([]K, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	raws := tx.etx.keys(tx.collection)
	result := make([]K, 0, len(raws))
	for _, kraw := range raws {
		key, err := tx.coll.decodeKey(kraw)
		if err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, nil
}

// Scan returns every row of the collection in the same order as Keys. If
// any row fails to decode, Scan returns just the error.
func (tx *Tx[K, V]) Scan() ([]Entry[K, V], error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	rows := tx.etx.scan(tx.collection)
	result := make([]Entry[K, V], 0, len(rows))
	for _, row := range rows {
		key, err := tx.coll.decodeKey(row.Key)
		if err != nil {
			return nil, err
		}
		value, err := tx.coll.decodeValue(row.Value)
		if err != nil {
			return nil, err
		}
		result = append(result, Entry[K, V]{key, value})
	}
	return result, nil
}

func (tx *Tx[K, V]) Count() (int, error) {
	if err := tx.checkOpen(); err != nil {
		return 0, err
	}
	return tx.etx.count(tx.collection), nil
}

// Clear deletes every row of the collection. The collection itself and its
// types stay.
func (tx *Tx[K, V]) Clear() error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	return tx.etx.clear(tx.collection)
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall[T any](fn func(T) error, arg T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(arg)
}
