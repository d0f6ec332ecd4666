package storedb

import (
	"bytes"
	"errors"
	"strconv"

	"go.etcd.io/bbolt"
)

// Physical layout. Each collection owns a nested bucket under rowsBucket, so
// (collection, key) is the primary key of a row and key uniqueness is per
// collection.
const (
	rowsBucket = "kv_store"
	metaBucket = "collection_meta"
	infoBucket = "storedb"

	formatVersion = 1
)

var formatKey = []byte("format")

// TypeTags are the persisted type identities of a collection.
type TypeTags struct {
	Key   string `msgpack:"k"`
	Value string `msgpack:"v"`
}

func (tt TypeTags) String() string {
	return tt.Key + " => " + tt.Value
}

type rowStore struct {
	st storage
}

// openRowStore creates the schema if it's absent and validates it
// otherwise. A read-only store must already carry the schema.
func openRowStore(st storage, readOnly bool) (*rowStore, error) {
	stx, err := st.BeginTx(!readOnly)
	if err != nil {
		return nil, storageErrf("begin", "", err)
	}
	defer stx.Rollback()

	if !readOnly {
		for _, name := range []string{rowsBucket, metaBucket, infoBucket} {
			if _, err := stx.CreateRoot(name); err != nil {
				return nil, storageErrf("create "+name, "", err)
			}
		}
		info := stx.Root(infoBucket)
		if info.Get(formatKey) == nil {
			if err := info.Put(formatKey, []byte(strconv.Itoa(formatVersion))); err != nil {
				return nil, storageErrf("write format", "", err)
			}
		}
	}

	if err := validateSchema(stx); err != nil {
		return nil, err
	}

	if !readOnly {
		if err := stx.Commit(); err != nil {
			return nil, storageErrf("commit schema", "", err)
		}
	}
	return &rowStore{st}, nil
}

func validateSchema(stx storageTx) error {
	known := map[string]bool{rowsBucket: true, metaBucket: true, infoBucket: true}
	found := 0
	err := stx.RootNames(func(name string) error {
		if !known[name] {
			return schemaErrf(nil, "unexpected bucket %q", name)
		}
		found++
		return nil
	})
	if err != nil {
		return err
	}
	if found != len(known) {
		return schemaErrf(nil, "missing buckets, found %d of %d", found, len(known))
	}

	if v := stx.Root(infoBucket).Get(formatKey); !bytes.Equal(v, []byte(strconv.Itoa(formatVersion))) {
		return schemaErrf(nil, "unsupported format %q, wanted %d", v, formatVersion)
	}

	c := stx.Root(rowsBucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v != nil {
			return schemaErrf(nil, "unexpected row %q outside of collections", k)
		}
	}

	c = stx.Root(metaBucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var tt TypeTags
		if err := msgpackDecode(v, &tt); err != nil {
			return schemaErrf(err, "collection %q metadata", k)
		}
	}
	return nil
}

func (rs *rowStore) begin(writable bool) (*engineTx, error) {
	stx, err := rs.st.BeginTx(writable)
	if err != nil {
		return nil, storageErrf("begin", "", err)
	}
	return &engineTx{stx}, nil
}

func (rs *rowStore) close() error {
	return rs.st.Close()
}

// engineTx is a storage transaction speaking in terms of collections and
// rows. Put upserts; rejecting duplicates is up to the caller.
type engineTx struct {
	stx storageTx
}

type rawRow struct {
	Key   []byte
	Value []byte
}

func (etx *engineTx) writable() bool {
	return etx.stx.Writable()
}

// get returns nil when the row is absent and a non-nil (possibly empty)
// slice otherwise.
func (etx *engineTx) get(collection string, key []byte) []byte {
	b := etx.stx.Rows(collection)
	if b == nil {
		return nil
	}
	return b.Get(key)
}

func (etx *engineTx) contains(collection string, key []byte) bool {
	return etx.get(collection, key) != nil
}

func (etx *engineTx) put(collection string, key, value []byte) error {
	b, err := etx.stx.CreateRows(collection)
	if err != nil {
		return storageErrf("put", collection, err)
	}
	return storageErrf("put", collection, b.Put(key, value))
}

func (etx *engineTx) delete(collection string, key []byte) error {
	b := etx.stx.Rows(collection)
	if b == nil {
		return nil
	}
	return storageErrf("delete", collection, b.Delete(key))
}

// each visits rows in ascending raw key order. The slices are only valid
// until the transaction ends.
func (etx *engineTx) each(collection string, f func(k, v []byte)) {
	b := etx.stx.Rows(collection)
	if b == nil {
		return
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		f(k, v)
	}
}

func (etx *engineTx) keys(collection string) [][]byte {
	var result [][]byte
	etx.each(collection, func(k, _ []byte) {
		result = append(result, k)
	})
	return result
}

func (etx *engineTx) scan(collection string) []rawRow {
	var result []rawRow
	etx.each(collection, func(k, v []byte) {
		result = append(result, rawRow{k, v})
	})
	return result
}

func (etx *engineTx) count(collection string) int {
	b := etx.stx.Rows(collection)
	if b == nil {
		return 0
	}
	return b.KeyCount()
}

func (etx *engineTx) clear(collection string) error {
	err := etx.stx.DropRows(collection)
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return storageErrf("clear", collection, err)
	}
	_, err = etx.stx.CreateRows(collection)
	return storageErrf("clear", collection, err)
}

func (etx *engineTx) meta(collection string) (TypeTags, bool, error) {
	var tt TypeTags
	raw := etx.stx.Root(metaBucket).Get([]byte(collection))
	if raw == nil {
		return tt, false, nil
	}
	if err := msgpackDecode(raw, &tt); err != nil {
		return tt, false, decodeErrf(collection, "metadata", raw, err)
	}
	return tt, true, nil
}

func (etx *engineTx) putMeta(collection string, tt TypeTags) error {
	raw, err := msgpackEncode(nil, &tt)
	if err != nil {
		return err
	}
	err = etx.stx.Root(metaBucket).Put([]byte(collection), raw)
	if err != nil {
		return storageErrf("write metadata", collection, err)
	}
	_, err = etx.stx.CreateRows(collection)
	return storageErrf("create", collection, err)
}

func (etx *engineTx) allMeta() ([]CollectionInfo, error) {
	var result []CollectionInfo
	c := etx.stx.Root(metaBucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var tt TypeTags
		if err := msgpackDecode(v, &tt); err != nil {
			return nil, decodeErrf(string(k), "metadata", v, err)
		}
		result = append(result, CollectionInfo{
			Name:  string(k),
			Types: tt,
			Rows:  etx.count(string(k)),
		})
	}
	return result, nil
}

// commit commits a writable transaction and releases a read-only one.
func (etx *engineTx) commit() error {
	if !etx.writable() {
		return etx.stx.Rollback()
	}
	return etx.stx.Commit()
}

func (etx *engineTx) rollback() error {
	return etx.stx.Rollback()
}

func (etx *engineTx) size() int64 {
	return etx.stx.Size()
}
