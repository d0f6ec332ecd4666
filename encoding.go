package storedb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Codec converts values of T to and from the opaque bytes stored in the
// database. Encode must be deterministic. Decode must not retain data past
// the call; it may point into the engine's memory map.
//
// TypeTag identifies T in the collection metadata. Two codecs with the same
// tag must produce compatible bytes; bump the tag (say, "user/v2") when the
// stored format changes.
type Codec[T any] interface {
	TypeTag() string
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

var errEmptyEncoding = errors.New("empty encoding")

// MsgPack returns a codec that stores T as msgpack. Map entries are sorted
// by their encoded keys, whatever the map type, so equal values always
// encode to equal bytes.
func MsgPack[T any](tag string) Codec[T] {
	return msgpackCodec[T]{tag}
}

type msgpackCodec[T any] struct {
	tag string
}

func (c msgpackCodec[T]) TypeTag() string { return c.tag }

func (c msgpackCodec[T]) Encode(v T) ([]byte, error) {
	return msgpackEncode(nil, v)
}

func (c msgpackCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := msgpackDecode(data, &v)
	return v, err
}

func msgpackEncode(buf []byte, v any) ([]byte, error) {
	var encoded bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&encoded)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("msgpack: encode %T: %w", v, err)
	}

	var r bytes.Reader
	r.Reset(encoded.Bytes())
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	buf, err = appendCanonical(buf, dec)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, fmt.Errorf("msgpack: canonicalize %T: %w", v, err)
	}
	return buf, nil
}

type msgpackEntry struct {
	key, value []byte
}

// appendCanonical copies the next msgpack value from dec to buf, rewriting
// every map, however deeply nested, with its entries in ascending order of
// their encoded keys. The encoder only sorts map[string]string and
// map[string]any.
func appendCanonical(buf []byte, dec *msgpack.Decoder) ([]byte, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		entries := make([]msgpackEntry, n)
		for i := range entries {
			if entries[i].key, err = appendCanonical(nil, dec); err != nil {
				return nil, err
			}
			if entries[i].value, err = appendCanonical(nil, dec); err != nil {
				return nil, err
			}
		}
		slices.SortFunc(entries, func(a, b msgpackEntry) int {
			return bytes.Compare(a.key, b.key)
		})
		buf = appendContainerHeader(buf, n, msgpcode.FixedMapLow, msgpcode.Map16, msgpcode.Map32)
		for _, e := range entries {
			buf = append(buf, e.key...)
			buf = append(buf, e.value...)
		}
		return buf, nil

	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		buf = appendContainerHeader(buf, n, msgpcode.FixedArrayLow, msgpcode.Array16, msgpcode.Array32)
		for i := 0; i < n; i++ {
			if buf, err = appendCanonical(buf, dec); err != nil {
				return nil, err
			}
		}
		return buf, nil

	default:
		raw, err := dec.DecodeRaw()
		if err != nil {
			return nil, err
		}
		return append(buf, raw...), nil
	}
}

func appendContainerHeader(buf []byte, n int, fixed, code16, code32 byte) []byte {
	switch {
	case n < 16:
		return append(buf, fixed|byte(n))
	case n <= math.MaxUint16:
		return binary.BigEndian.AppendUint16(append(buf, code16), uint16(n))
	default:
		return binary.BigEndian.AppendUint32(append(buf, code32), uint32(n))
	}
}

func msgpackDecode(data []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return fmt.Errorf("msgpack: decode into %T: %w", ptr, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("msgpack: %d trailing bytes after %T", r.Len(), ptr)
	}
	return nil
}

// JSON returns a codec that stores T as JSON.
func JSON[T any](tag string) Codec[T] {
	return jsonCodec[T]{tag}
}

type jsonCodec[T any] struct {
	tag string
}

func (c jsonCodec[T]) TypeTag() string { return c.tag }

func (c jsonCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (c jsonCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Tagged returns c under a different type tag.
func Tagged[T any](tag string, c Codec[T]) Codec[T] {
	return taggedCodec[T]{tag, c}
}

type taggedCodec[T any] struct {
	tag string
	Codec[T]
}

func (c taggedCodec[T]) TypeTag() string { return c.tag }

// Key codecs below preserve order: comparing their encodings as raw bytes
// gives the same result as comparing the values, so Keys and Scan return
// keys in logical order. Keys stored with MsgPack or JSON come back in raw
// byte order, which generally differs from logical order.
var (
	StringKey Codec[string] = stringKeyCodec{}
	Uint32Key Codec[uint32] = uint32KeyCodec{}
	Uint64Key Codec[uint64] = uint64KeyCodec{}
	Int64Key  Codec[int64]  = int64KeyCodec{}
)

type stringKeyCodec struct{}

func (stringKeyCodec) TypeTag() string { return "string" }

func (stringKeyCodec) Encode(v string) ([]byte, error) {
	return []byte(v), nil
}

func (stringKeyCodec) Decode(data []byte) (string, error) {
	return string(data), nil
}

type uint32KeyCodec struct{}

func (uint32KeyCodec) TypeTag() string { return "u32" }

func (uint32KeyCodec) Encode(v uint32) ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, v), nil
}

func (uint32KeyCodec) Decode(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("u32 key must be 4 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}

type uint64KeyCodec struct{}

func (uint64KeyCodec) TypeTag() string { return "u64" }

func (uint64KeyCodec) Encode(v uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, v), nil
}

func (uint64KeyCodec) Decode(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("u64 key must be 8 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

type int64KeyCodec struct{}

func (int64KeyCodec) TypeTag() string { return "i64" }

func (int64KeyCodec) Encode(v int64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, uint64(v)^(1<<63)), nil
}

func (int64KeyCodec) Decode(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("i64 key must be 8 bytes, got %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data) ^ (1 << 63)), nil
}
