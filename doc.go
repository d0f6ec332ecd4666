/*
Package storedb implements typed, named collections with transactions on top
of a single-file key-value engine (in this case, on top of Bolt).

	db, err := storedb.Open("app.db", storedb.Options{})
	users, err := storedb.GetCollection(db, "users", storedb.Uint32Key, storedb.MsgPack[User]("user"))
	tx, err := users.Begin(true)
	err = tx.Put(1, User{Name: "Alice"})
	err = tx.Commit()

We implement:

1. Collections, named partitions of one shared row table, each bound to a key
codec and a value codec.

2. Transactions over a single collection, with strict inserts (Put), upserts
(Set), point reads, deletes and full scans.

3. Type metadata, recording which key and value types each collection holds,
so that reopening a collection with other types fails instead of misreading
data.

# Technical Details

**Rows.**
All rows live under the `kv_store` bucket, in one nested bucket per
collection, so the primary key of a row is (collection, key bytes) and keys
are unique per collection only. Keys and values are opaque bytes produced by
the collection's codecs.

**Collection metadata.**
The `collection_meta` bucket maps a collection name to its type tags,
msgpack-encoded. Tags come from Codec.TypeTag, never from reflection. The
first GetCollection for a name records them; the pair never changes for the
life of the file.

**Ordering.**
Keys and Scan return rows in ascending order of the encoded key bytes. That
matches logical key order for the order-preserving key codecs (StringKey,
Uint32Key, Uint64Key, Int64Key) but not for MsgPack or JSON keys.

**Duplicate keys.**
Put rejects an existing key with *DuplicateKeyError, checked inside the same
transaction; Set overwrites. Delete of a missing key is a no-op.

**Concurrency.**
There is no locking on top of the engine's: one writable transaction at a
time, any number of readers, each reader seeing the snapshot taken when it
began. A Tx must not be shared between goroutines.

**Errors.**
*StorageError (engine failures), *SchemaError (Open on a foreign file),
*TypeMismatchError, *DuplicateKeyError, *DecodeError, *EncodeError,
*CommitError, and ErrTxClosed for calls on a finished transaction. Nothing is
retried automatically.
*/
package storedb
