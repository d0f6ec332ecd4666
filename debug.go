package storedb

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

type DumpFlags uint64

const (
	DumpHeader = DumpFlags(1 << iota)
	DumpRows
	DumpRaw

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var dumpSep = strings.Repeat("=", 80)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the collection as seen by tx, one line per row, for tests
// and debugging. Rows that fail to decode are printed with the error.
func (tx *Tx[K, V]) Dump(f DumpFlags) string {
	var w strings.Builder
	if err := tx.checkOpen(); err != nil {
		fmt.Fprintf(&w, "%s ** ERROR: %v\n", tx.collection, err)
		return w.String()
	}
	prefix := tx.collection
	if f.Contains(DumpHeader) {
		fmt.Fprintln(&w, dumpSep)
		fmt.Fprintf(&w, "%s (%s, %d rows)\n", prefix, tx.coll.tags, tx.etx.count(tx.collection))
	}
	if f.Contains(DumpRows) {
		var rowPos int
		tx.etx.each(tx.collection, func(k, v []byte) {
			rowPos++
			tx.dumpRow(&w, prefix, f, rowPos, k, v)
		})
	}
	return w.String()
}

func (tx *Tx[K, V]) dumpRow(w *strings.Builder, prefix string, f DumpFlags, rowPos int, k, v []byte) {
	if f.Contains(DumpRaw) {
		fmt.Fprintf(w, "%s.%d = %s => %s\n", prefix, rowPos, hexstr(k), hexstr(v))
		return
	}
	key, err := tx.coll.decodeKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %s ** ERROR: %v\n", prefix, rowPos, hexstr(k), err)
		return
	}
	value, err := tx.coll.decodeValue(v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %s ** ERROR: %v\n", prefix, rowPos, jsonString(key), err)
		return
	}
	fmt.Fprintf(w, "%s.%d = %s => %s\n", prefix, rowPos, jsonString(key), jsonString(value))
}

func jsonString(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

type hexBytes []byte

func (b hexBytes) String() string {
	return hexstr(b)
}

func hexField(key string, b []byte) zap.Field {
	return zap.Stringer(key, hexBytes(b))
}

func hexstr(b []byte) string {
	switch {
	case b == nil:
		return "<nil>"
	case len(b) == 0:
		return "<empty>"
	default:
		return hex.EncodeToString(b)
	}
}
