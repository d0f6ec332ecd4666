package storedb

import (
	"unsafe"

	"go.etcd.io/bbolt"
)

type boltStorage struct {
	bdb *bbolt.DB
}

func newBoltStorage(bdb *bbolt.DB) storage {
	return &boltStorage{bdb}
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return boltTx{btx}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx *bbolt.Tx
}

func (tx boltTx) Writable() bool {
	return tx.btx.Writable()
}

func (tx boltTx) Root(name string) storageBucket {
	if b := tx.btx.Bucket(unsafeBytesFromString(name)); b != nil {
		return boltBucket{b}
	}
	return nil
}

func (tx boltTx) CreateRoot(name string) (storageBucket, error) {
	b, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	return boltBucket{b}, nil
}

func (tx boltTx) RootNames(f func(name string) error) error {
	return tx.btx.ForEach(func(k []byte, _ *bbolt.Bucket) error {
		return f(string(k))
	})
}

func (tx boltTx) rowsRoot() *bbolt.Bucket {
	return tx.btx.Bucket([]byte(rowsBucket))
}

func (tx boltTx) Rows(collection string) storageBucket {
	root := tx.rowsRoot()
	if root == nil {
		return nil
	}
	if b := root.Bucket(unsafeBytesFromString(collection)); b != nil {
		return boltBucket{b}
	}
	return nil
}

func (tx boltTx) CreateRows(collection string) (storageBucket, error) {
	root := tx.rowsRoot()
	if root == nil {
		return nil, bbolt.ErrBucketNotFound
	}
	b, err := root.CreateBucketIfNotExists([]byte(collection))
	if err != nil {
		return nil, err
	}
	return boltBucket{b}, nil
}

func (tx boltTx) DropRows(collection string) error {
	root := tx.rowsRoot()
	if root == nil {
		return bbolt.ErrBucketNotFound
	}
	return root.DeleteBucket(unsafeBytesFromString(collection))
}

func (tx boltTx) Commit() error {
	return tx.btx.Commit()
}

func (tx boltTx) Rollback() error {
	if err := tx.btx.Rollback(); err != bbolt.ErrTxClosed {
		return err
	}
	return nil
}

func (tx boltTx) Size() int64 {
	return tx.btx.Size()
}

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte { return b.b.Get(key) }
func (b boltBucket) Put(key, value []byte) error { return b.b.Put(key, value) }
func (b boltBucket) Delete(key []byte) error { return b.b.Delete(key) }
func (b boltBucket) Cursor() storageCursor { return b.b.Cursor() }

func (b boltBucket) KeyCount() int {
	var n int
	c := b.b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
