package storedb

// storage is the transactional engine under rowStore: Bolt on disk, or
// memStorage for tests and Options.InMemory. Both report failures with
// bbolt's error values.
type storage interface {
	// BeginTx starts a transaction. Writable transactions are serialized;
	// read-only ones see the state as of BeginTx.
	BeginTx(writable bool) (storageTx, error)
	Close() error
}

// storageTx exposes the top-level buckets by name, plus one row bucket per
// collection nested under rowsBucket.
type storageTx interface {
	Writable() bool

	// Root returns the top-level bucket called name, or nil.
	Root(name string) storageBucket
	CreateRoot(name string) (storageBucket, error)
	// RootNames calls f with the name of every top-level bucket, in byte order.
	RootNames(f func(name string) error) error

	// Rows returns the row bucket of collection, or nil if it has none.
	Rows(collection string) storageBucket
	// CreateRows returns the row bucket of collection, creating it if
	// needed. rowsBucket must exist.
	CreateRows(collection string) (storageBucket, error)
	// DropRows deletes the row bucket of collection, returning
	// bbolt.ErrBucketNotFound if there is none.
	DropRows(collection string) error

	Commit() error
	// Rollback ends the transaction; calling it on an ended one is a no-op.
	Rollback() error
	// Size is the database size in bytes, 0 when not on disk. Bolt only
	// knows it while the transaction is open.
	Size() int64
}

// storageBucket is a sorted set of key-value pairs. Slices it returns are
// only valid until the transaction ends.
type storageBucket interface {
	// Get returns nil for a missing key and a non-nil slice, possibly
	// empty, otherwise.
	Get(key []byte) []byte
	Put(key, value []byte) error
	// Delete of a missing key is not an error.
	Delete(key []byte) error
	Cursor() storageCursor
	KeyCount() int
}

// storageCursor walks a bucket in ascending key order. A nil value with a
// non-nil key is a nested bucket.
type storageCursor interface {
	First() (key, value []byte)
	Next() (key, value []byte)
}
