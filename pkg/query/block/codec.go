package block

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Wire layout, used only by the remote mailbox transport. Blocks are encoded
// as a kind byte followed by a per-kind body. Row payloads are snappy
// compressed. Integers are big-endian.

const maxDecodedRowPayload = 1 << 30

// Encode serializes a block for the wire.
func Encode(b *Block) ([]byte, error) {
	buf := []byte{byte(b.kind)}
	switch b.kind {
	case KindError:
		buf = appendUint32(buf, uint32(b.code))
		buf = appendString(buf, b.message)
		return buf, nil

	case KindEndOfStream:
		buf = appendUint32(buf, uint32(len(b.stats)))
		for k, v := range b.stats {
			buf = appendString(buf, k)
			buf = appendString(buf, v)
		}
		return buf, nil

	case KindData:
		buf = appendUint32(buf, uint32(len(b.schema)))
		for _, col := range b.schema {
			buf = append(buf, byte(col.Type))
			buf = appendString(buf, col.Name)
		}
		buf = appendUint32(buf, uint32(len(b.exceptions)))
		for code, msg := range b.exceptions {
			buf = appendUint32(buf, uint32(code))
			buf = appendString(buf, msg)
		}
		raw, err := encodeRows(b.schema, b.rows)
		if err != nil {
			return nil, err
		}
		compressed := snappy.Encode(nil, raw)
		buf = appendUint32(buf, uint32(len(compressed)))
		buf = append(buf, compressed...)
		return buf, nil

	default:
		return nil, errors.Errorf("unknown block kind %d", b.kind)
	}
}

// Decode deserializes a block produced by Encode.
func Decode(data []byte) (*Block, error) {
	r := &reader{buf: data}
	kind, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch Kind(kind) {
	case KindError:
		code, err := r.uint32()
		if err != nil {
			return nil, err
		}
		msg, err := r.string()
		if err != nil {
			return nil, err
		}
		return NewError(int(code), msg), nil

	case KindEndOfStream:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		var stats map[string]string
		if n > 0 {
			stats = make(map[string]string, n)
		}
		for i := uint32(0); i < n; i++ {
			k, err := r.string()
			if err != nil {
				return nil, err
			}
			v, err := r.string()
			if err != nil {
				return nil, err
			}
			stats[k] = v
		}
		return NewEndOfStream(stats), nil

	case KindData:
		numCols, err := r.uint32()
		if err != nil {
			return nil, err
		}
		schema := make(Schema, 0, numCols)
		for i := uint32(0); i < numCols; i++ {
			typ, err := r.byte()
			if err != nil {
				return nil, err
			}
			name, err := r.string()
			if err != nil {
				return nil, err
			}
			schema = append(schema, ColumnDesc{Name: name, Type: ColumnType(typ)})
		}
		numExc, err := r.uint32()
		if err != nil {
			return nil, err
		}
		var exceptions map[int]string
		if numExc > 0 {
			exceptions = make(map[int]string, numExc)
		}
		for i := uint32(0); i < numExc; i++ {
			code, err := r.uint32()
			if err != nil {
				return nil, err
			}
			msg, err := r.string()
			if err != nil {
				return nil, err
			}
			exceptions[int(code)] = msg
		}
		compLen, err := r.uint32()
		if err != nil {
			return nil, err
		}
		compressed, err := r.bytes(int(compLen))
		if err != nil {
			return nil, err
		}
		if n, err := snappy.DecodedLen(compressed); err != nil {
			return nil, errors.Wrap(err, "row payload")
		} else if n > maxDecodedRowPayload {
			return nil, errors.Errorf("row payload of %d bytes exceeds limit", n)
		}
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, errors.Wrap(err, "row payload")
		}
		rows, err := decodeRows(schema, raw)
		if err != nil {
			return nil, err
		}
		return NewDataWithExceptions(schema, rows, exceptions), nil

	default:
		return nil, errors.Errorf("unknown block kind %d", kind)
	}
}

func encodeRows(schema Schema, rows [][]any) ([]byte, error) {
	buf := appendUint32(nil, uint32(len(rows)))
	for _, row := range rows {
		if len(row) != len(schema) {
			return nil, errors.Errorf("row has %d values, schema has %d columns", len(row), len(schema))
		}
		for i, col := range schema {
			var err error
			buf, err = appendValue(buf, col.Type, row[i])
			if err != nil {
				return nil, errors.Wrapf(err, "column %q", col.Name)
			}
		}
	}
	return buf, nil
}

func decodeRows(schema Schema, raw []byte) ([][]any, error) {
	r := &reader{buf: raw}
	numRows, err := r.uint32()
	if err != nil {
		return nil, err
	}
	var rows [][]any
	for i := uint32(0); i < numRows; i++ {
		row := make([]any, len(schema))
		for j, col := range schema {
			v, err := r.value(col.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "column %q", col.Name)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func appendValue(buf []byte, typ ColumnType, v any) ([]byte, error) {
	switch typ {
	case TypeInt64:
		n, ok := v.(int64)
		if !ok {
			return nil, errors.Errorf("expected int64, got %T", v)
		}
		return appendUint64(buf, uint64(n)), nil
	case TypeFloat64:
		f, ok := v.(float64)
		if !ok {
			return nil, errors.Errorf("expected float64, got %T", v)
		}
		return appendUint64(buf, math.Float64bits(f)), nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("expected string, got %T", v)
		}
		return appendString(buf, s), nil
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, errors.Errorf("expected bool, got %T", v)
		}
		if b {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case TypeTimestamp:
		t, ok := v.(time.Time)
		if !ok {
			return nil, errors.Errorf("expected time.Time, got %T", v)
		}
		return appendUint64(buf, uint64(t.UnixNano())), nil
	case TypeBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, errors.Errorf("expected []byte, got %T", v)
		}
		buf = appendUint32(buf, uint32(len(b)))
		return append(buf, b...), nil
	default:
		return nil, errors.Errorf("unknown column type %d", typ)
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) byte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, errShortBuffer(r)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, errShortBuffer(r)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) value(typ ColumnType) (any, error) {
	switch typ {
	case TypeInt64:
		n, err := r.uint64()
		return int64(n), err
	case TypeFloat64:
		n, err := r.uint64()
		return math.Float64frombits(n), err
	case TypeString:
		return r.string()
	case TypeBool:
		b, err := r.byte()
		return b != 0, err
	case TypeTimestamp:
		n, err := r.uint64()
		if err != nil {
			return nil, err
		}
		return time.Unix(0, int64(n)).UTC(), nil
	case TypeBytes:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	default:
		return nil, errors.Errorf("unknown column type %d", typ)
	}
}

func errShortBuffer(r *reader) error {
	return errors.Errorf("truncated block: offset %d, length %d", r.off, len(r.buf))
}

func appendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
