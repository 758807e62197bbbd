package wire

import (
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dbmazz/dbmazzd/internal/config"
	"github.com/dbmazz/dbmazzd/internal/logging"
	"github.com/dbmazz/dbmazzd/internal/schema"
)

// tableSet is a lookup of "namespace.name" strings the decoder should
// emit events for; tables outside it are decoded far enough to keep
// the relation cache correct but produce no events.
type tableSet map[string]struct{}

func newTableSet(tables []string) tableSet {
	set := make(tableSet, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return set
}

func (s tableSet) contains(qualified string) bool {
	_, ok := s[qualified]
	return ok
}

// Decoder turns a stream of pgoutput wal messages into ChangeEvents,
// buffering events per in-flight transaction and releasing them all
// at once, stamped with the transaction's commit marker, when the
// Commit (or StreamCommit) message arrives. It is not safe for
// concurrent use: a single reader goroutine owns it.
type Decoder struct {
	cache    *schema.Cache
	typeMap  *pgtype.Map
	tables   tableSet
	inStream bool
	logger   *logging.Logger

	pending []ChangeEvent
	xid     uint32

	truncatePolicy string
	tracked        map[uint32]map[string]Tuple // relation id -> composite key -> last observed row
}

// New creates a Decoder scoped to the given qualified table names.
func New(cache *schema.Cache, tables []string, truncatePolicy string, logger *logging.Logger) *Decoder {
	if truncatePolicy == "" {
		truncatePolicy = config.DefaultTruncatePolicy
	}
	return &Decoder{
		cache:          cache,
		typeMap:        pgtype.NewMap(),
		tables:         newTableSet(tables),
		logger:         logger,
		truncatePolicy: truncatePolicy,
		tracked:        make(map[uint32]map[string]Tuple),
	}
}

// Result is what Decode returns for one wal message.
type Result struct {
	// Events is non-empty only when a transaction just committed; it
	// carries every event buffered since the matching Begin, in
	// arrival order, each stamped with the commit's marker.
	Events []ChangeEvent
	// RequiresDrain is true when a Relation message just changed the
	// type of an existing column. The caller must flush any
	// in-flight batch for that relation before decoding further wal
	// data, since already-buffered events were encoded against the
	// old layout.
	RequiresDrain bool
}

// Decode parses one wal message and advances decoder state.
func (d *Decoder) Decode(walData []byte) (Result, error) {
	logicalMsg, err := pglogrepl.ParseV2(walData, d.inStream)
	if err != nil {
		return Result{}, fmt.Errorf("wire: parse logical replication message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessageV2:
		return d.handleRelation(msg)

	case *pglogrepl.BeginMessage:
		d.pending = d.pending[:0]
		d.xid = msg.Xid
		return Result{}, nil

	case *pglogrepl.InsertMessageV2:
		return d.handleInsert(msg)

	case *pglogrepl.UpdateMessageV2:
		return d.handleUpdate(msg)

	case *pglogrepl.DeleteMessageV2:
		return d.handleDelete(msg)

	case *pglogrepl.TruncateMessageV2:
		return d.handleTruncate(msg)

	case *pglogrepl.CommitMessage:
		return d.commit(LSN(msg.CommitLSN)), nil

	case *pglogrepl.StreamStartMessageV2:
		d.inStream = true
		return Result{}, nil

	case *pglogrepl.StreamStopMessageV2:
		d.inStream = false
		return Result{}, nil

	case *pglogrepl.StreamCommitMessageV2:
		return d.commit(LSN(msg.CommitLSN)), nil

	case *pglogrepl.StreamAbortMessageV2:
		d.pending = d.pending[:0]
		return Result{}, nil

	default:
		// Origin, Type and any future message kinds carry nothing
		// this decoder needs.
		return Result{}, nil
	}
}

func (d *Decoder) commit(commitLSN LSN) Result {
	if len(d.pending) == 0 {
		return Result{}
	}
	marker := CommitMarker{CommitLSN: commitLSN, Xid: d.xid}
	for i := range d.pending {
		d.pending[i].Marker = marker
	}
	events := d.pending
	d.pending = nil
	return Result{Events: events}
}

func (d *Decoder) handleRelation(msg *pglogrepl.RelationMessageV2) (Result, error) {
	newRel := schema.Relation{
		RelationID:      msg.RelationID,
		Namespace:       msg.Namespace,
		Name:            msg.RelationName,
		ReplicaIdentity: schema.ReplicaIdentity(msg.ReplicaIdentity),
	}
	for _, col := range msg.Columns {
		newRel.Columns = append(newRel.Columns, schema.Column{
			Name:    col.Name,
			TypeOID: col.DataType,
			IsKey:   col.Flags&1 != 0,
		})
	}

	requiresDrain := false
	if old, err := d.cache.Get(msg.RelationID); err == nil {
		requiresDrain = columnTypeChanged(old.Columns, newRel.Columns)
	}

	if err := d.cache.Upsert(newRel); err != nil {
		return Result{}, fmt.Errorf("wire: caching relation %d: %w", msg.RelationID, err)
	}
	return Result{RequiresDrain: requiresDrain}, nil
}

// columnTypeChanged reports whether any column present in both old
// and new changed its type OID. A pure append of new columns is not a
// type change and does not require a drain.
func columnTypeChanged(old, next []schema.Column) bool {
	oldByName := make(map[string]uint32, len(old))
	for _, c := range old {
		oldByName[c.Name] = c.TypeOID
	}
	for _, c := range next {
		if oid, ok := oldByName[c.Name]; ok && oid != c.TypeOID {
			return true
		}
	}
	return false
}

func (d *Decoder) qualifiedName(relationID uint32) (string, *schema.Relation, error) {
	rel, err := d.cache.Get(relationID)
	if err != nil {
		return "", nil, err
	}
	return rel.QualifiedName(), rel, nil
}

func (d *Decoder) handleInsert(msg *pglogrepl.InsertMessageV2) (Result, error) {
	name, rel, err := d.qualifiedName(msg.RelationID)
	if err != nil {
		return Result{}, err
	}
	if !d.tables.contains(name) {
		return Result{}, nil
	}
	cols := columnDescs(rel.Columns)
	newTuple, mask, err := decodeTuple(d.typeMap, cols, msg.Tuple)
	if err != nil {
		return Result{}, err
	}
	if mask != 0 {
		return Result{}, fmt.Errorf("wire: insert into %s carries an Unchanged/TOAST column, which pgoutput never emits on inserts", name)
	}
	d.trackKey(*rel, newTuple)
	evt := ChangeEvent{
		Kind:       Insert,
		RelationID: msg.RelationID,
		Relation:   *rel,
		New:        newTuple,
	}
	if d.logger != nil {
		d.logger.Trace("decoded insert", evt)
	}
	d.pending = append(d.pending, evt)
	return Result{}, nil
}

func (d *Decoder) handleUpdate(msg *pglogrepl.UpdateMessageV2) (Result, error) {
	name, rel, err := d.qualifiedName(msg.RelationID)
	if err != nil {
		return Result{}, err
	}
	if !d.tables.contains(name) {
		return Result{}, nil
	}
	if msg.OldTuple == nil && rel.ReplicaIdentity != schema.ReplicaIdentityDefault {
		return Result{}, fmt.Errorf("wire: update on %s carries no old tuple but replica identity is %q, not default", name, rel.ReplicaIdentity)
	}
	cols := columnDescs(rel.Columns)
	newTuple, mask, err := decodeTuple(d.typeMap, cols, msg.NewTuple)
	if err != nil {
		return Result{}, fmt.Errorf("wire: decode new tuple: %w", err)
	}
	var oldTuple Tuple
	if msg.OldTuple != nil {
		oldTuple, _, err = decodeTuple(d.typeMap, cols, msg.OldTuple)
		if err != nil {
			return Result{}, fmt.Errorf("wire: decode old tuple: %w", err)
		}
	}
	d.trackKey(*rel, newTuple)
	evt := ChangeEvent{
		Kind:       Update,
		RelationID: msg.RelationID,
		Relation:   *rel,
		New:        newTuple,
		Old:        oldTuple,
		ToastMask:  mask,
	}
	if d.logger != nil {
		d.logger.Trace("decoded update", evt)
	}
	d.pending = append(d.pending, evt)
	return Result{}, nil
}

func (d *Decoder) handleDelete(msg *pglogrepl.DeleteMessageV2) (Result, error) {
	name, rel, err := d.qualifiedName(msg.RelationID)
	if err != nil {
		return Result{}, err
	}
	if !d.tables.contains(name) {
		return Result{}, nil
	}
	if msg.OldTuple == nil && rel.ReplicaIdentity != schema.ReplicaIdentityNothing {
		return Result{}, fmt.Errorf("wire: delete on %s carries no old tuple but replica identity is %q, not nothing", name, rel.ReplicaIdentity)
	}
	cols := columnDescs(rel.Columns)
	var oldTuple Tuple
	if msg.OldTuple != nil {
		oldTuple, _, err = decodeTuple(d.typeMap, cols, msg.OldTuple)
		if err != nil {
			return Result{}, fmt.Errorf("wire: decode old tuple: %w", err)
		}
	}
	d.forgetKey(*rel, oldTuple)
	evt := ChangeEvent{
		Kind:       Delete,
		RelationID: msg.RelationID,
		Relation:   *rel,
		Old:        oldTuple,
	}
	if d.logger != nil {
		d.logger.Trace("decoded delete", evt)
	}
	d.pending = append(d.pending, evt)
	return Result{}, nil
}

// handleTruncate applies the configured truncate policy. delete-known
// synthesizes a Delete per row this decoder has actually observed for
// the relation; a bulk snapshot to discover unobserved rows is out of
// scope, so any key never seen by this decoder is only reported as a
// coverage gap.
func (d *Decoder) handleTruncate(msg *pglogrepl.TruncateMessageV2) (Result, error) {
	for _, relationID := range msg.RelationIDs {
		name, rel, err := d.qualifiedName(relationID)
		if err != nil {
			continue
		}
		if !d.tables.contains(name) {
			continue
		}
		known := d.tracked[relationID]
		if d.truncatePolicy == config.TruncatePolicySkip {
			if d.logger != nil {
				d.logger.Warnf("wire: skipping TRUNCATE of %s per truncate policy (%d tracked rows dropped from cache)", name, len(known))
			}
			delete(d.tracked, relationID)
			continue
		}
		if d.logger != nil {
			d.logger.Warnf("wire: TRUNCATE of %s: emitting deletes for %d rows this process has observed; rows never seen by this process are not covered", name, len(known))
		}
		for _, row := range known {
			d.pending = append(d.pending, ChangeEvent{
				Kind:       Delete,
				RelationID: relationID,
				Relation:   *rel,
				Old:        row,
			})
		}
		delete(d.tracked, relationID)
	}
	return Result{}, nil
}

func columnDescs(cols []schema.Column) []columnDesc {
	out := make([]columnDesc, len(cols))
	for i, c := range cols {
		out[i] = columnDesc{name: c.Name, typeOID: c.TypeOID}
	}
	return out
}

func (d *Decoder) trackKey(rel schema.Relation, row Tuple) {
	key, ok := buildKeyString(rel, row)
	if !ok {
		return
	}
	byKey, ok := d.tracked[rel.RelationID]
	if !ok {
		byKey = make(map[string]Tuple)
		d.tracked[rel.RelationID] = byKey
	}
	byKey[key] = row
}

func (d *Decoder) forgetKey(rel schema.Relation, row Tuple) {
	key, ok := buildKeyString(rel, row)
	if !ok {
		return
	}
	delete(d.tracked[rel.RelationID], key)
}

// buildKeyString concatenates a row's key column values into a
// composite lookup key, returning false if any key column's value is
// unavailable (Null or TOAST-Unchanged).
func buildKeyString(rel schema.Relation, row Tuple) (string, bool) {
	if len(row.Values) == 0 {
		return "", false
	}
	var b strings.Builder
	found := false
	for i, col := range rel.Columns {
		if !col.IsKey {
			continue
		}
		if i >= len(row.Values) || row.Values[i].State != StateText {
			return "", false
		}
		found = true
		fmt.Fprintf(&b, "%v\x1f", row.Values[i].Decoded)
	}
	if !found {
		return "", false
	}
	return b.String(), true
}
