package storedb

import "go.uber.org/zap"

// Collection is a typed view of one named collection. Handles are cheap and
// share the database's engine connection; they are safe for concurrent use,
// the transactions they create are not.
type Collection[K, V any] struct {
	db       *DB
	name     string
	keyEnc   Codec[K]
	valueEnc Codec[V]
	tags     TypeTags
}

// GetCollection returns the collection called name, creating it on first
// use. The type tags of keyEnc and valueEnc are recorded on creation; a later
// call with different tags fails with *TypeMismatchError, in this process or
// any later one.
//
// Repeated calls with the same tags and Go types return the same handle.
//
// Creating a collection takes a writable transaction, so a goroutine holding
// a writable Tx must not call GetCollection for a name that doesn't exist yet.
func GetCollection[K, V any](db *DB, name string, keyEnc Codec[K], valueEnc Codec[V]) (*Collection[K, V], error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	tags := TypeTags{keyEnc.TypeTag(), valueEnc.TypeTag()}
	if tags.Key == "" || tags.Value == "" {
		return nil, ErrInvalidTypeTag
	}
	if db.closed.Load() {
		return nil, ErrClosed
	}

	c := &Collection[K, V]{
		db:       db,
		name:     name,
		keyEnc:   keyEnc,
		valueEnc: valueEnc,
		tags:     tags,
	}
	if cached, found, err := lookupCollection(db, c); found {
		return cached, err
	}

	// Not under collsLock: creation waits for the engine's writer lock.
	if err := db.ensureCollection(name, tags); err != nil {
		return nil, err
	}

	db.collsLock.Lock()
	defer db.collsLock.Unlock()
	if _, found := db.colls[name]; !found {
		db.colls[name] = &collEntry{tags, c}
		return c, nil
	}
	cached, _, err := lookupCollectionLocked(db, c)
	return cached, err
}

func lookupCollection[K, V any](db *DB, c *Collection[K, V]) (*Collection[K, V], bool, error) {
	db.collsLock.Lock()
	defer db.collsLock.Unlock()
	return lookupCollectionLocked(db, c)
}

// lookupCollectionLocked checks c against the registry. A registered name
// with the same tags but other Go types yields c itself, uncached.
func lookupCollectionLocked[K, V any](db *DB, c *Collection[K, V]) (*Collection[K, V], bool, error) {
	entry := db.colls[c.name]
	if entry == nil {
		return nil, false, nil
	}
	if err := checkTags(c.name, c.tags, entry.tags); err != nil {
		return nil, true, err
	}
	if cached, ok := entry.handle.(*Collection[K, V]); ok {
		return cached, true, nil
	}
	return c, true, nil
}

func (c *Collection[K, V]) Name() string {
	return c.name
}

func (c *Collection[K, V]) DB() *DB {
	return c.db
}

func (c *Collection[K, V]) Types() TypeTags {
	return c.tags
}

// Begin starts a transaction over this collection. Writable transactions are
// serialized by the engine: Begin(true) blocks while another one is open,
// including one held by the calling goroutine.
func (c *Collection[K, V]) Begin(writable bool) (*Tx[K, V], error) {
	db := c.db
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if writable {
		db.WriteCount.Add(1)
	} else {
		db.ReadCount.Add(1)
	}

	etx, err := db.store.begin(writable)
	if err != nil {
		return nil, err
	}
	tx := &Tx[K, V]{coll: c}
	tx.init(db, c.name, etx)
	if db.verbose {
		db.logger.Debug("tx begin", zap.String("collection", c.name), zap.Bool("writable", writable))
	}
	return tx, nil
}

// View runs f in a read-only transaction.
func (c *Collection[K, V]) View(f func(tx *Tx[K, V]) error) error {
	tx, err := c.Begin(false)
	if err != nil {
		return err
	}
	defer tx.end()
	return safelyCall(f, tx)
}

// Update runs f in a writable transaction, committing if f returns nil and
// rolling back otherwise. A panic in f is returned as an error. f must not
// commit or roll back tx itself.
func (c *Collection[K, V]) Update(f func(tx *Tx[K, V]) error) error {
	tx, err := c.Begin(true)
	if err != nil {
		return err
	}
	if err := safelyCall(f, tx); err != nil {
		tx.end()
		return err
	}
	return tx.Commit()
}

func (c *Collection[K, V]) encodeKey(key K) ([]byte, error) {
	raw, err := c.keyEnc.Encode(key)
	if err == nil && len(raw) == 0 {
		err = errEmptyEncoding
	}
	if err != nil {
		return nil, &EncodeError{c.name, "key", err}
	}
	return raw, nil
}

func (c *Collection[K, V]) encodeValue(value V) ([]byte, error) {
	raw, err := c.valueEnc.Encode(value)
	if err != nil {
		return nil, &EncodeError{c.name, "value", err}
	}
	return raw, nil
}

func (c *Collection[K, V]) decodeKey(raw []byte) (K, error) {
	key, err := c.keyEnc.Decode(raw)
	if err != nil {
		return key, decodeErrf(c.name, "key", append([]byte(nil), raw...), err)
	}
	return key, nil
}

func (c *Collection[K, V]) decodeValue(raw []byte) (V, error) {
	value, err := c.valueEnc.Decode(raw)
	if err != nil {
		return value, decodeErrf(c.name, "value", append([]byte(nil), raw...), err)
	}
	return value, nil
}
