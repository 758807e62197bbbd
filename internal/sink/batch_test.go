package sink

import (
	"testing"
	"time"

	"github.com/dbmazz/dbmazzd/internal/schema"
	"github.com/dbmazz/dbmazzd/internal/wire"
)

func testRelation() schema.Relation {
	return schema.Relation{
		RelationID: 1,
		Namespace:  "public",
		Name:       "accounts",
		Columns: []schema.Column{
			{Name: "id", TypeOID: 23, IsKey: true},
			{Name: "name", TypeOID: 25},
			{Name: "blob", TypeOID: 25},
		},
	}
}

func TestPartition_SeparatesDeletesFromZeroToastUpdates(t *testing.T) {
	rel := testRelation()
	insert := wire.ChangeEvent{
		Kind: wire.Insert, RelationID: 1, Relation: rel,
		New: wire.Tuple{Values: []wire.Value{
			{State: wire.StateText, Decoded: int64(1)},
			{State: wire.StateText, Decoded: "a"},
			{State: wire.StateText, Decoded: "big"},
		}},
	}
	del := wire.ChangeEvent{
		Kind: wire.Delete, RelationID: 1, Relation: rel,
		Old: wire.Tuple{Values: []wire.Value{
			{State: wire.StateText, Decoded: int64(1)},
			{State: wire.StateText, Decoded: "a"},
			{State: wire.StateText, Decoded: "big"},
		}},
	}
	subBatches := partition([]wire.ChangeEvent{insert, del})
	if len(subBatches) != 2 {
		t.Fatalf("expected inserts and deletes to land in separate sub-batches, got %d", len(subBatches))
	}
	for _, sb := range subBatches {
		if sb.key.IsDelete {
			if len(sb.columns) != 1 || sb.columns[0].Name != "id" {
				t.Fatalf("delete sub-batch should project only the key column, got %+v", sb.columns)
			}
		} else {
			if len(sb.columns) != 3 {
				t.Fatalf("zero-toast insert sub-batch should project all columns, got %+v", sb.columns)
			}
		}
	}
}

func TestColumnProjection_OmitsToastedColumns(t *testing.T) {
	rel := testRelation()
	// bit 2 set: the "blob" column is unchanged/TOASTed.
	cols := columnProjection(rel, BatchKey{RelationID: 1, ToastMask: 0b100})
	if len(cols) != 2 {
		t.Fatalf("expected 2 projected columns, got %d: %+v", len(cols), cols)
	}
	for _, c := range cols {
		if c.Name == "blob" {
			t.Fatal("toasted column should have been excluded from the projection")
		}
	}
}

func TestRowFor_DeleteIsSoftDeleteWithKeyOnly(t *testing.T) {
	rel := testRelation()
	sb := &subBatch{relation: rel, columns: rel.KeyColumns()}
	e := wire.ChangeEvent{
		Kind: wire.Delete, Relation: rel,
		Marker: wire.CommitMarker{CommitLSN: 42},
		Old: wire.Tuple{Values: []wire.Value{
			{State: wire.StateText, Decoded: int64(7)},
			{State: wire.StateText, Decoded: "a"},
			{State: wire.StateUnchanged},
		}},
	}
	row, err := sb.rowFor(e, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if row["id"] != int64(7) {
		t.Fatalf("expected id=7, got %v", row["id"])
	}
	if _, present := row["name"]; present {
		t.Fatal("delete row should not carry non-key columns")
	}
	if row[colIsDeleted] != true {
		t.Fatal("expected dbmazz_is_deleted=true")
	}
	if row[colOpType] != OpDelete {
		t.Fatal("expected dbmazz_op_type=Delete")
	}
	if row[colCdcVer] != wire.LSN(42) {
		t.Fatalf("expected dbmazz_cdc_version=42, got %v", row[colCdcVer])
	}
}

func TestColumnsHeader_OrdersProjectedThenAudit(t *testing.T) {
	rel := testRelation()
	header := columnsHeader(rel.Columns)
	want := "id,name,blob,dbmazz_op_type,dbmazz_is_deleted,dbmazz_synced_at,dbmazz_cdc_version"
	if header != want {
		t.Fatalf("columnsHeader = %q, want %q", header, want)
	}
}
