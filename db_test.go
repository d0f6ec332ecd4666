package storedb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap/zaptest"
)

type (
	User struct {
		Name  string `msgpack:"n"`
		Email string `msgpack:"e"`
	}
	UserV2 struct {
		Name  string   `msgpack:"n"`
		Email string   `msgpack:"e"`
		Tags  []string `msgpack:"t"`
	}
)

var (
	userCodec   = MsgPack[User]("user")
	userV2Codec = MsgPack[UserV2]("user/v2")
	stringCodec = MsgPack[string]("string")
)

func tempPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "db_test_"+uuid.NewString()+".db")
}

// setup opens a fresh database, in memory under -short.
func setup(t testing.TB) *DB {
	t.Helper()
	return setupAt(t, tempPath(t), testing.Short())
}

func setupAt(t testing.TB, path string, inMemory bool) *DB {
	t.Helper()
	t.Logf("DB: %s", path)
	db, err := Open(path, Options{
		IsTesting: true,
		InMemory:  inMemory,
		Verbose:   true,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		err := db.Close()
		if err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

func skipInShort(t testing.TB) {
	if testing.Short() {
		t.Skip("needs the Bolt backend")
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if diff := cmp.Diff(e, a); diff != "" {
		t.Helper()
		t.Errorf("** mismatch (-wanted +got):\n%s", diff)
	}
}

func users(t testing.TB, db *DB) *Collection[uint32, User] {
	t.Helper()
	c, err := GetCollection(db, "users", Uint32Key, userCodec)
	require.NoError(t, err)
	return c
}

// TestDB runs on Bolt even under -short: creating collections and
// committing are the paths the in-memory engine can't vouch for.
func TestDB(t *testing.T) {
	for _, backend := range []string{"bolt", "mem"} {
		t.Run(backend, func(t *testing.T) {
			db := setupAt(t, tempPath(t), backend == "mem")
			names, err := GetCollection(db, "users", Uint32Key, stringCodec)
			require.NoError(t, err)

			tx, err := names.Begin(true)
			require.NoError(t, err)
			require.NoError(t, tx.Put(1, "Alice"))
			require.NoError(t, tx.Put(2, "Bob"))
			require.NoError(t, tx.Commit())
			if backend == "bolt" {
				require.Positive(t, db.Size())
			}

			tx, err = names.Begin(false)
			require.NoError(t, err)
			ok, err := tx.Contains(1)
			require.NoError(t, err)
			require.True(t, ok)
			v, ok, err := tx.Get(1)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "Alice", v)
			keys, err := tx.Keys()
			require.NoError(t, err)
			deepEqual(t, keys, []uint32{1, 2})
			entries, err := tx.Scan()
			require.NoError(t, err)
			deepEqual(t, entries, []Entry[uint32, string]{{1, "Alice"}, {2, "Bob"}})
			require.NoError(t, tx.Rollback())

			tx, err = names.Begin(true)
			require.NoError(t, err)
			var dup *DuplicateKeyError
			require.ErrorAs(t, tx.Put(1, "Charlie"), &dup)
			require.Equal(t, "users", dup.Collection)
			require.NoError(t, tx.Rollback())

			tx, err = names.Begin(false)
			require.NoError(t, err)
			defer tx.Rollback()
			v, ok, err = tx.Get(1)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "Alice", v)
		})
	}
}

func TestDB_ReopenKeepsData(t *testing.T) {
	skipInShort(t)
	path := tempPath(t)

	db := setupAt(t, path, false)
	c := users(t, db)
	require.NoError(t, c.Update(func(tx *Tx[uint32, User]) error {
		return tx.Put(7, User{Name: "foo", Email: "foo@example.com"})
	}))
	require.NoError(t, db.Close())

	db = setupAt(t, path, false)
	c = users(t, db)
	require.NoError(t, c.View(func(tx *Tx[uint32, User]) error {
		u, ok, err := tx.Get(7)
		require.NoError(t, err)
		require.True(t, ok)
		deepEqual(t, u, User{Name: "foo", Email: "foo@example.com"})
		return nil
	}))
}

func TestGetCollection_TypeMismatch(t *testing.T) {
	db := setup(t)
	users(t, db)

	_, err := GetCollection(db, "users", Uint32Key, userV2Codec)
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	deepEqual(t, tm, &TypeMismatchError{
		Collection: "users",
		Expected:   TypeTags{"u32", "user/v2"},
		Found:      TypeTags{"u32", "user"},
	})

	_, err = GetCollection(db, "users", Uint64Key, userCodec)
	require.ErrorAs(t, err, &tm)

	// other collections are unaffected
	_, err = GetCollection(db, "users2", Uint32Key, userV2Codec)
	require.NoError(t, err)

	_, err = GetCollection(db, "users", Uint32Key, userCodec)
	require.NoError(t, err)
}

func TestGetCollection_TypeMismatchAfterReopen(t *testing.T) {
	skipInShort(t)
	path := tempPath(t)

	db := setupAt(t, path, false)
	users(t, db)
	require.NoError(t, db.Close())

	db = setupAt(t, path, false)
	_, err := GetCollection(db, "users", Uint32Key, userV2Codec)
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	require.Equal(t, TypeTags{"u32", "user"}, tm.Found)

	users(t, db)
}

func TestGetCollection_ReturnsCachedHandle(t *testing.T) {
	db := setup(t)
	a := users(t, db)
	b := users(t, db)
	require.Same(t, a, b)
	require.Same(t, db, a.DB())
	require.Equal(t, "users", a.Name())
	require.Equal(t, TypeTags{"u32", "user"}, a.Types())
}

func TestGetCollection_InvalidArgs(t *testing.T) {
	db := setup(t)
	_, err := GetCollection(db, "", Uint32Key, userCodec)
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = GetCollection(db, "x", Uint32Key, MsgPack[User](""))
	require.ErrorIs(t, err, ErrInvalidTypeTag)
}

func TestCollections(t *testing.T) {
	db := setup(t)
	c := users(t, db)
	_, err := GetCollection(db, "names", StringKey, stringCodec)
	require.NoError(t, err)
	require.NoError(t, c.Update(func(tx *Tx[uint32, User]) error {
		return tx.Put(1, User{Name: "foo"})
	}))

	infos, err := db.Collections()
	require.NoError(t, err)
	deepEqual(t, infos, []CollectionInfo{
		{Name: "names", Types: TypeTags{"string", "string"}, Rows: 0},
		{Name: "users", Types: TypeTags{"u32", "user"}, Rows: 1},
	})
}

func TestOpen_SchemaErrorOnForeignBoltFile(t *testing.T) {
	path := tempPath(t)
	bdb, err := bbolt.Open(path, 0666, nil)
	require.NoError(t, err)
	require.NoError(t, bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucket([]byte("something_else"))
		return err
	}))
	require.NoError(t, bdb.Close())

	_, err = Open(path, Options{IsTesting: true})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	require.Contains(t, se.Error(), "something_else")
}

func TestOpen_SchemaErrorOnWrongFormat(t *testing.T) {
	path := tempPath(t)
	db, err := Open(path, Options{IsTesting: true})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	bdb, err := bbolt.Open(path, 0666, nil)
	require.NoError(t, err)
	require.NoError(t, bdb.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket([]byte(infoBucket)).Put(formatKey, []byte("99"))
	}))
	require.NoError(t, bdb.Close())

	_, err = Open(path, Options{IsTesting: true})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
}

func TestOpen_SchemaErrorOnGarbageFile(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("not a database ", 1000)), 0666))

	_, err := Open(path, Options{IsTesting: true})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
}

func TestOpen_ReadOnlyNeedsSchema(t *testing.T) {
	path := tempPath(t)
	bdb, err := bbolt.Open(path, 0666, nil)
	require.NoError(t, err)
	require.NoError(t, bdb.Close())

	_, err = Open(path, Options{ReadOnly: true})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
}

func TestClose_RollsBackOpenTxns(t *testing.T) {
	db := setup(t)
	c := users(t, db)

	tx, err := c.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put(1, User{Name: "leaked"}))
	require.Contains(t, db.DescribeOpenTxns(), "1 OPEN TRANSACTIONS")

	require.NoError(t, db.Close())
	require.ErrorIs(t, tx.Commit(), ErrTxClosed)
	require.ErrorIs(t, db.Close(), ErrClosed)

	_, err = c.Begin(false)
	require.ErrorIs(t, err, ErrClosed)
	_, err = GetCollection(db, "users", Uint32Key, userCodec)
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.Collections()
	require.ErrorIs(t, err, ErrClosed)
}

func TestDescribeOpenTxns(t *testing.T) {
	db := setup(t)
	require.Equal(t, "NO OPEN TRANSACTIONS", db.DescribeOpenTxns())

	c := users(t, db)
	tx, err := c.Begin(false)
	require.NoError(t, err)
	s := db.DescribeOpenTxns()
	require.Contains(t, s, "1 OPEN TRANSACTIONS")
	require.Contains(t, s, "users read")
	require.NoError(t, tx.Rollback())
	require.Equal(t, "NO OPEN TRANSACTIONS", db.DescribeOpenTxns())
}

func TestStats(t *testing.T) {
	db := setup(t)
	c := users(t, db)

	require.NoError(t, c.Update(func(tx *Tx[uint32, User]) error {
		return tx.Put(1, User{Name: "foo"})
	}))
	require.Error(t, c.Update(func(tx *Tx[uint32, User]) error {
		return tx.Put(1, User{Name: "foo"})
	}))
	tx, err := c.Begin(false)
	require.NoError(t, err)

	st := db.Stats()
	require.Equal(t, uint64(2), st.WriteTxns)
	require.Equal(t, uint64(1), st.ReadTxns)
	require.Equal(t, uint64(1), st.Commits)
	require.Equal(t, uint64(1), st.Rollbacks)
	require.Equal(t, int64(1), st.OpenReaders)
	require.Equal(t, int64(0), st.OpenWriters)
	if !testing.Short() {
		require.Positive(t, st.Size)
	}
	require.NoError(t, tx.Commit())
	require.Equal(t, int64(0), db.Stats().OpenReaders)
}

func TestGetCollection_ConcurrentCreate(t *testing.T) {
	db := setup(t)
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("race%d", i)
		errs := make(chan error, 2)
		var start sync.WaitGroup
		start.Add(1)
		go func() {
			start.Wait()
			_, err := GetCollection(db, name, Uint32Key, userCodec)
			errs <- err
		}()
		go func() {
			start.Wait()
			_, err := GetCollection(db, name, Uint32Key, userV2Codec)
			errs <- err
		}()
		start.Done()

		won, lost := <-errs, <-errs
		if won != nil {
			won, lost = lost, won
		}
		require.NoError(t, won)
		var tm *TypeMismatchError
		require.ErrorAs(t, lost, &tm)
	}

	infos, err := db.Collections()
	require.NoError(t, err)
	require.Len(t, infos, 20)
}

func TestGetCollection_CachedWhileCreationWaits(t *testing.T) {
	db := setup(t)
	c := users(t, db)
	tx := mustBegin(t, c, true)

	created := make(chan error, 1)
	go func() {
		_, err := GetCollection(db, "orders", Uint64Key, stringCodec)
		created <- err
	}()
	time.Sleep(100 * time.Millisecond) // let orders reach the writer lock

	cached := make(chan *Collection[uint32, User], 1)
	go func() {
		c, _ := GetCollection(db, "users", Uint32Key, userCodec)
		cached <- c
	}()
	select {
	case got := <-cached:
		require.Same(t, c, got)
	case <-time.After(5 * time.Second):
		t.Fatal("GetCollection of an existing collection blocked behind collection creation")
	}

	select {
	case err := <-created:
		t.Fatalf("orders created while a writer is open: %v", err)
	default:
	}
	require.NoError(t, tx.Rollback())
	require.NoError(t, <-created)
}
