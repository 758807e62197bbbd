// Package schema holds the decoder's view of source relations: an
// in-process, RWMutex-guarded map from relation id to column layout,
// read and mutated only by the wire decoder as Relation messages
// arrive. The decoder copies the relation into every event it emits;
// the sink serializes from that copy and does not read the cache.
package schema

import (
	"fmt"
	"sync"
)

// MaxColumns is the bitmap-cap invariant from the wire format: a
// relation may have at most 64 columns if any of them can ever appear
// as Unchanged (TOASTed) in an update tuple.
const MaxColumns = 64

// ReplicaIdentity mirrors PostgreSQL's REPLICA IDENTITY setting, which
// determines whether old-tuple data accompanies UPDATE/DELETE.
type ReplicaIdentity byte

const (
	ReplicaIdentityDefault ReplicaIdentity = 'd'
	ReplicaIdentityNothing ReplicaIdentity = 'n'
	ReplicaIdentityFull    ReplicaIdentity = 'f'
	ReplicaIdentityIndex   ReplicaIdentity = 'i'
)

// Column describes one column of a cached relation.
type Column struct {
	Name    string
	TypeOID uint32
	IsKey   bool
}

// Relation is a cached description of a source table.
type Relation struct {
	RelationID      uint32
	Namespace       string
	Name            string
	Columns         []Column
	ReplicaIdentity ReplicaIdentity
}

// QualifiedName returns "namespace.name".
func (r Relation) QualifiedName() string {
	return r.Namespace + "." + r.Name
}

// KeyColumns returns the subset of Columns marked as key columns, in
// their original ordinal order.
func (r Relation) KeyColumns() []Column {
	var keys []Column
	for _, c := range r.Columns {
		if c.IsKey {
			keys = append(keys, c)
		}
	}
	return keys
}

// ErrUnknownRelation is returned when an event refers to a relation id
// the cache has never seen a Relation message for. This is fatal for
// the batch containing the event: it means the decoder observed a
// tuple before its describing Relation, which should never happen on a
// correctly-ordered logical replication stream.
type ErrUnknownRelation uint32

func (e ErrUnknownRelation) Error() string {
	return fmt.Sprintf("schema: unknown relation id %d", uint32(e))
}

// ErrTooManyColumns is returned by Upsert when a relation exceeds the
// bitmap cap. The check counts columns only; it does not consider
// whether any of them could actually be Unchanged.
type ErrTooManyColumns struct {
	RelationID uint32
	Columns    int
}

func (e ErrTooManyColumns) Error() string {
	return fmt.Sprintf("schema: relation %d has %d columns, exceeding the %d-column bitmap cap",
		e.RelationID, e.Columns, MaxColumns)
}

// Cache is the single-writer, multi-reader relation_id -> Relation map.
type Cache struct {
	mu        sync.RWMutex
	relations map[uint32]*Relation
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{relations: make(map[uint32]*Relation)}
}

// Upsert replaces or inserts the relation. Later Relation messages for
// the same id replace the entry with a fresh copy, which must happen
// before any event referencing the new layout is decoded (the decoder
// enforces ordering; this just stores).
func (c *Cache) Upsert(rel Relation) error {
	if len(rel.Columns) > MaxColumns {
		return ErrTooManyColumns{RelationID: rel.RelationID, Columns: len(rel.Columns)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := rel
	c.relations[rel.RelationID] = &stored
	return nil
}

// Get borrows the relation for the given id. The returned pointer is
// only valid for the duration of the caller's use; the cache may
// replace the entry (on a later Relation message) concurrently, but
// never mutates an already-returned *Relation in place — Upsert always
// stores a fresh copy.
func (c *Cache) Get(relationID uint32) (*Relation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.relations[relationID]
	if !ok {
		return nil, ErrUnknownRelation(relationID)
	}
	return rel, nil
}

// ListColumns returns the columns of the given relation.
func (c *Cache) ListColumns(relationID uint32) ([]Column, error) {
	rel, err := c.Get(relationID)
	if err != nil {
		return nil, err
	}
	return rel.Columns, nil
}
