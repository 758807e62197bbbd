package wire

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// ValueState distinguishes the three ways a column can appear in a
// pgoutput tuple.
type ValueState int

const (
	// StateText means the column's text-encoded value follows.
	StateText ValueState = iota
	// StateNull means the column is SQL NULL.
	StateNull
	// StateUnchanged means the column is TOASTed and was not part of
	// the UPDATE — its prior value is unknown to this stream.
	StateUnchanged
)

// Value is one column's decoded value plus how it was represented on
// the wire. Decoded holds the driver-native Go value (string, int64,
// []byte, time.Time, ...) as returned by pgtype's codec; it is nil for
// Null and Unchanged states.
type Value struct {
	State   ValueState
	Decoded interface{}
	// Raw retains the original wire bytes for text-encoded columns.
	// It aliases the frame buffer and must not be kept past the
	// event's processing, matching the zero-copy discipline of the
	// underlying pglogrepl parse.
	Raw []byte
}

// Tuple is a decoded row: one Value per column, in relation column
// order.
type Tuple struct {
	Values []Value
}

// decodeTuple converts a pglogrepl.TupleData into a Tuple, using the
// relation's cached columns to resolve each column's type OID for
// text decoding and to build the toast bitmap for any Unchanged
// column encountered.
func decodeTuple(typeMap *pgtype.Map, cols []columnDesc, tuple *pglogrepl.TupleData) (Tuple, uint64, error) {
	if tuple == nil {
		return Tuple{}, 0, nil
	}
	if len(tuple.Columns) != len(cols) {
		return Tuple{}, 0, fmt.Errorf("wire: tuple has %d columns, relation layout has %d", len(tuple.Columns), len(cols))
	}
	values := make([]Value, len(tuple.Columns))
	var mask uint64
	for i, col := range tuple.Columns {
		switch col.DataType {
		case 'n': // null
			values[i] = Value{State: StateNull}
		case 'u': // unchanged (TOASTed, not part of this update)
			values[i] = Value{State: StateUnchanged}
			if i < 64 {
				mask |= 1 << uint(i)
			}
		case 't': // text
			decoded, err := decodeTextColumnData(typeMap, col.Data, cols[i].typeOID)
			if err != nil {
				return Tuple{}, 0, fmt.Errorf("wire: decoding column %q: %w", cols[i].name, err)
			}
			values[i] = Value{State: StateText, Decoded: decoded, Raw: col.Data}
		default:
			return Tuple{}, 0, fmt.Errorf("wire: unrecognized tuple data type %q for column %q", col.DataType, cols[i].name)
		}
	}
	return Tuple{Values: values}, mask, nil
}

// decodeTextColumnData asks pgtype for the codec registered against
// the column's OID and lets it parse the text representation, rather
// than hand-rolling per-type parsing.
func decodeTextColumnData(typeMap *pgtype.Map, data []byte, dataType uint32) (interface{}, error) {
	if dt, ok := typeMap.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(typeMap, dataType, pgtype.TextFormatCode, data)
	}
	// No registered codec: fall back to the raw text, which is always
	// a safe representation for unknown/extension types.
	return string(data), nil
}

// columnDesc is the minimal per-column shape decodeTuple needs; kept
// separate from schema.Column so this package does not need to know
// about key-column bookkeeping.
type columnDesc struct {
	name    string
	typeOID uint32
}
