package storedb

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const trackTxns = true

// DB is an open database file. It owns the engine connection, shared by
// every collection handle it returns.
type DB struct {
	store   *rowStore
	path    string
	logger  *zap.Logger
	verbose bool
	closed  atomic.Bool

	collsLock sync.Mutex
	colls     map[string]*collEntry

	lastSize    atomic.Int64
	ReaderCount atomic.Int64
	WriterCount atomic.Int64
	ReadCount   atomic.Uint64
	WriteCount  atomic.Uint64
	CommitCount atomic.Uint64
	AbortCount  atomic.Uint64

	txns     []*txn
	txnsLock sync.Mutex
}

type collEntry struct {
	tags   TypeTags
	handle any
}

type Options struct {
	// Logger receives lifecycle logs; defaults to a no-op logger.
	Logger *zap.Logger
	// Verbose logs every transaction begin and end at debug level.
	Verbose bool
	// IsTesting trades durability for speed (no fsync).
	IsTesting bool
	// InMemory keeps all data in memory and ignores the path.
	InMemory bool
	// ReadOnly opens the file with a shared lock; the schema must exist.
	ReadOnly bool
	MmapSize int
	// Timeout bounds waiting for the file lock; defaults to 10 seconds.
	Timeout time.Duration
}

// Open opens the database at path, creating the file and its schema if
// absent. It fails with *SchemaError if the file holds something else.
func Open(path string, opt Options) (*DB, error) {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var st storage
	if opt.InMemory {
		st = newMemStorage()
	} else {
		bopt := *bbolt.DefaultOptions
		bopt.Timeout = opt.Timeout
		if bopt.Timeout == 0 {
			bopt.Timeout = 10 * time.Second
		}
		bopt.ReadOnly = opt.ReadOnly
		if opt.IsTesting {
			bopt.NoSync = true
			bopt.NoFreelistSync = true
			bopt.InitialMmapSize = 1024 * 1024 * 5
		} else {
			bopt.InitialMmapSize = 1024 * 1024 * 1024
			bopt.FreelistType = bbolt.FreelistMapType
		}
		if opt.MmapSize != 0 {
			bopt.InitialMmapSize = opt.MmapSize
		}

		bdb, err := bbolt.Open(path, 0666, &bopt)
		if err != nil {
			if errors.Is(err, bbolt.ErrInvalid) || errors.Is(err, bbolt.ErrVersionMismatch) || errors.Is(err, bbolt.ErrChecksum) {
				return nil, schemaErrf(err, "%s", path)
			}
			return nil, storageErrf("open "+path, "", err)
		}
		st = newBoltStorage(bdb)
	}

	store, err := openRowStore(st, opt.ReadOnly)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	db := &DB{
		store:   store,
		path:    path,
		logger:  logger.With(zap.String("db", path)),
		verbose: opt.Verbose,
		colls:   make(map[string]*collEntry),
	}
	db.logger.Info("database opened", zap.Bool("in_memory", opt.InMemory), zap.Bool("read_only", opt.ReadOnly))
	return db, nil
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

// Close rolls back any transactions still open and closes the file. It must
// not run concurrently with the use of those transactions.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return ErrClosed
	}

	db.txnsLock.Lock()
	leaked := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	var err error
	for _, t := range leaked {
		db.logger.Warn("rolling back transaction left open at close",
			zap.String("collection", t.collection),
			zap.Bool("writable", t.writable),
			zap.Duration("age", time.Since(t.startTime)))
		err = multierr.Append(err, t.rollback())
	}
	err = multierr.Append(err, storageErrf("close", "", db.store.close()))
	db.logger.Info("database closed", zap.Int("leaked_txns", len(leaked)))
	return err
}

// Collections lists every collection recorded in the file.
func (db *DB) Collections() ([]CollectionInfo, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	etx, err := db.store.begin(false)
	if err != nil {
		return nil, err
	}
	defer etx.rollback()
	return etx.allMeta()
}

// CollectionInfo describes a persisted collection.
type CollectionInfo struct {
	Name  string
	Types TypeTags
	Rows  int
}

// ensureCollection validates the stored type tags of name, recording tags
// if the collection is new. The first opener defines the types.
func (db *DB) ensureCollection(name string, tags TypeTags) error {
	etx, err := db.store.begin(false)
	if err != nil {
		return err
	}
	found, ok, err := etx.meta(name)
	etx.rollback()
	if err != nil {
		return err
	}
	if ok {
		return checkTags(name, tags, found)
	}

	etx, err = db.store.begin(true)
	if err != nil {
		return err
	}
	defer etx.rollback()
	found, ok, err = etx.meta(name)
	if err != nil {
		return err
	}
	if ok {
		return checkTags(name, tags, found)
	}
	if err := etx.putMeta(name, tags); err != nil {
		return err
	}
	size := etx.size()
	if err := etx.commit(); err != nil {
		return &CommitError{name, err}
	}
	db.lastSize.Store(size)
	db.logger.Debug("collection created", zap.String("collection", name), zap.Stringer("types", tags))
	return nil
}

func checkTags(name string, expected, found TypeTags) error {
	if expected != found {
		return &TypeMismatchError{Collection: name, Expected: expected, Found: found}
	}
	return nil
}

func (db *DB) addTx(t *txn) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, t)
}

func (db *DB) removeTx(t *txn) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, t)
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *txn) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, t := range txns {
		ms := now.Sub(t.startTime).Milliseconds()
		mode := "read"
		if t.writable {
			mode = "write"
		}
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s %s open for %d ms\n", t.collection, mode, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s %s open for %d ms:\n%s", t.collection, mode, ms, t.stack)
		}
	}

	return buf.String()
}
