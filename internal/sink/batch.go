// Package sink delivers flushed pipeline batches to a StarRocks-style
// columnar store over its HTTP stream-load endpoint, sub-batching by
// relation and TOAST layout so each request carries a uniform column
// set.
package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dbmazz/dbmazzd/internal/schema"
	"github.com/dbmazz/dbmazzd/internal/wire"
)

// OpType is the audit column value recorded for each row.
type OpType int

const (
	OpInsert OpType = 0
	OpUpdate OpType = 1
	OpDelete OpType = 2
)

const (
	colOpType    = "dbmazz_op_type"
	colIsDeleted = "dbmazz_is_deleted"
	colSyncedAt  = "dbmazz_synced_at"
	colCdcVer    = "dbmazz_cdc_version"
)

// BatchKey identifies a sub-batch: all events sharing one relation and
// TOAST layout, and therefore one column projection.
type BatchKey struct {
	RelationID uint32
	ToastMask  uint64
	IsDelete   bool
}

// subBatch is one BatchKey's worth of events plus the marker range it
// spans, needed to enforce the partial-failure gap rule across
// sub-batches of the same flush.
type subBatch struct {
	key       BatchKey
	relation  schema.Relation
	events    []wire.ChangeEvent
	minMarker wire.CommitMarker
	maxMarker wire.CommitMarker
	columns   []schema.Column
}

// partition groups a batch's events into sub-batches keyed by
// (relation, toast_bitmap, is-delete). Deletes are kept in their own
// partition per relation regardless of toast_bitmap because their
// column projection (primary key only) differs from an insert/update
// sharing the same nominal bitmap value of zero.
func partition(events []wire.ChangeEvent) []*subBatch {
	order := make([]BatchKey, 0)
	byKey := make(map[BatchKey]*subBatch)

	for _, e := range events {
		key := BatchKey{RelationID: e.RelationID, ToastMask: e.ToastMask, IsDelete: e.Kind == wire.Delete}
		sb, ok := byKey[key]
		if !ok {
			sb = &subBatch{key: key, relation: e.Relation, minMarker: e.Marker, maxMarker: e.Marker}
			byKey[key] = sb
			order = append(order, key)
		}
		sb.events = append(sb.events, e)
		if e.Marker.CommitLSN < sb.minMarker.CommitLSN {
			sb.minMarker = e.Marker
		}
		if e.Marker.CommitLSN > sb.maxMarker.CommitLSN {
			sb.maxMarker = e.Marker
		}
	}

	subBatches := make([]*subBatch, len(order))
	for i, key := range order {
		sb := byKey[key]
		sb.columns = columnProjection(sb.relation, sb.key)
		subBatches[i] = sb
	}
	return subBatches
}

// columnProjection returns the source columns to include for a
// sub-batch: primary key only for deletes, or every column not marked
// unchanged (TOASTed) in the sub-batch's toast_bitmap otherwise.
func columnProjection(rel schema.Relation, key BatchKey) []schema.Column {
	if key.IsDelete {
		return rel.KeyColumns()
	}
	projected := make([]schema.Column, 0, len(rel.Columns))
	for i, col := range rel.Columns {
		if i < 64 && key.ToastMask&(1<<uint(i)) != 0 {
			continue
		}
		projected = append(projected, col)
	}
	return projected
}

// rows renders the sub-batch as newline-delimited JSON, one object
// per event, with the four audit columns appended to every row.
func (sb *subBatch) rows(syncedAt time.Time) ([]byte, error) {
	var buf []byte
	for _, e := range sb.events {
		row, err := sb.rowFor(e, syncedAt)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("sink: encoding row: %w", err)
		}
		buf = append(buf, encoded...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

func (sb *subBatch) rowFor(e wire.ChangeEvent, syncedAt time.Time) (map[string]interface{}, error) {
	row := make(map[string]interface{}, len(sb.columns)+4)

	// Deletes carry the projected key columns from the old tuple;
	// everything else carries them from the new tuple.
	source := e.New
	if e.Kind == wire.Delete {
		source = e.Old
	}
	for _, col := range sb.columns {
		idx := columnIndex(e.Relation, col.Name)
		if idx < 0 || idx >= len(source.Values) {
			row[col.Name] = nil
			continue
		}
		switch source.Values[idx].State {
		case wire.StateNull:
			row[col.Name] = nil
		case wire.StateText:
			row[col.Name] = source.Values[idx].Decoded
		case wire.StateUnchanged:
			return nil, fmt.Errorf("sink: column %q unexpectedly unchanged inside its own projected sub-batch", col.Name)
		}
	}

	row[colOpType] = opTypeFor(e.Kind)
	row[colIsDeleted] = e.Kind == wire.Delete
	row[colSyncedAt] = syncedAt.UTC().Format("2006-01-02 15:04:05.000000")
	row[colCdcVer] = e.Marker.CommitLSN
	return row, nil
}

func opTypeFor(k wire.Kind) OpType {
	switch k {
	case wire.Insert:
		return OpInsert
	case wire.Update:
		return OpUpdate
	default:
		return OpDelete
	}
}

func columnIndex(rel schema.Relation, name string) int {
	for i, c := range rel.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// columnsHeader renders the stream-load `columns` header value: the
// projected source columns followed by the four audit columns, in
// the fixed order the payload rows use.
func columnsHeader(cols []schema.Column) string {
	s := ""
	for _, c := range cols {
		s += c.Name + ","
	}
	return s + colOpType + "," + colIsDeleted + "," + colSyncedAt + "," + colCdcVer
}
