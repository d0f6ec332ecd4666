package storedb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTxClosed is returned by any call on a transaction that has already
	// been committed or rolled back.
	ErrTxClosed = errors.New("transaction already committed or rolled back")

	// ErrTxReadOnly is returned by mutations on a read-only transaction.
	ErrTxReadOnly = errors.New("transaction is read-only")

	// ErrClosed is returned when using a database after Close.
	ErrClosed = errors.New("database closed")

	ErrInvalidName    = errors.New("invalid collection name")
	ErrInvalidTypeTag = errors.New("invalid type tag")
)

// StorageError wraps a failure of the underlying engine. The database remains
// usable after it.
type StorageError struct {
	Op         string
	Collection string
	Err        error
}

func storageErrf(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{op, collection, err}
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("storedb: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storedb: %s %s: %v", e.Collection, e.Op, e.Err)
}

// SchemaError is returned by Open when the file does not hold the expected
// layout.
type SchemaError struct {
	Msg string
	Err error
}

func schemaErrf(err error, format string, args ...any) error {
	return &SchemaError{fmt.Sprintf(format, args...), err}
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storedb: schema: %s: %v", e.Msg, e.Err)
	}
	return "storedb: schema: " + e.Msg
}

// TypeMismatchError is returned by GetCollection when the collection was
// created with different key or value types.
type TypeMismatchError struct {
	Collection string
	Expected   TypeTags
	Found      TypeTags
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("storedb: collection %s type mismatch: expected key=%s, value=%s, found key=%s, value=%s",
		e.Collection, e.Expected.Key, e.Expected.Value, e.Found.Key, e.Found.Value)
}

// DuplicateKeyError is returned by a strict Put when the key already has a
// row in the collection.
type DuplicateKeyError struct {
	Collection string
	Key        []byte
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("storedb: %s/%x: key already exists", e.Collection, e.Key)
}

// DecodeError reports stored bytes that the collection's codec cannot decode.
type DecodeError struct {
	Collection string
	Part       string // "key" or "value"
	Data       []byte
	Err        error
}

func decodeErrf(collection, part string, data []byte, err error) error {
	return &DecodeError{collection, part, data, err}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	var buf strings.Builder
	fmt.Fprintf(&buf, "storedb: %s: failed to decode %s", e.Collection, e.Part)
	if e.Err != nil {
		fmt.Fprintf(&buf, ": %v", e.Err)
	}
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		fmt.Fprintf(&buf, ": (%d) %x", n, e.Data)
	} else {
		fmt.Fprintf(&buf, ": (%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	return buf.String()
}

// EncodeError reports a value that the collection's codec refused to encode.
type EncodeError struct {
	Collection string
	Part       string
	Err        error
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("storedb: %s: failed to encode %s: %v", e.Collection, e.Part, e.Err)
}

// CommitError is returned when the engine fails to commit. The transaction
// is closed afterwards and its effects must be re-queried.
type CommitError struct {
	Collection string
	Err        error
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("storedb: %s: commit: %v", e.Collection, e.Err)
}
