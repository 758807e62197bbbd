package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbmazz/dbmazzd/internal/pipeline"
	"github.com/dbmazz/dbmazzd/internal/wire"
)

func mustWriteStatus(t *testing.T, w http.ResponseWriter, status string) {
	t.Helper()
	if err := json.NewEncoder(w).Encode(streamLoadResponse{Status: status}); err != nil {
		t.Fatal(err)
	}
}

func TestPushBatch_SuccessConfirmsMaxMarker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("expected PUT, got %s", r.Method)
		}
		mustWriteStatus(t, w, "Success")
	}))
	defer server.Close()

	var confirmed wire.CommitMarker
	confirm := func(_ context.Context, m wire.CommitMarker) error {
		confirmed = m
		return nil
	}
	s := New(server.URL, "db", "user", "pass", confirm, 1, nil)

	rel := testRelation()
	events := []wire.ChangeEvent{
		{Kind: wire.Insert, RelationID: 1, Relation: rel, Marker: wire.CommitMarker{CommitLSN: 10},
			New: wire.Tuple{Values: []wire.Value{{State: wire.StateText, Decoded: int64(1)}, {State: wire.StateText, Decoded: "a"}, {State: wire.StateText, Decoded: "b"}}}},
	}
	if err := s.PushBatch(context.Background(), pipeline.Batch{Events: events}); err != nil {
		t.Fatal(err)
	}
	if confirmed.CommitLSN != 10 {
		t.Fatalf("expected confirmed marker 10, got %d", confirmed.CommitLSN)
	}
}

func TestPushBatch_RetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mustWriteStatus(t, w, "Success")
	}))
	defer server.Close()

	s := New(server.URL, "db", "user", "pass", nil, 1, nil)
	rel := testRelation()
	events := []wire.ChangeEvent{
		{Kind: wire.Insert, RelationID: 1, Relation: rel, Marker: wire.CommitMarker{CommitLSN: 1},
			New: wire.Tuple{Values: []wire.Value{{State: wire.StateText, Decoded: int64(1)}, {State: wire.StateText, Decoded: "a"}, {State: wire.StateText, Decoded: "b"}}}},
	}
	// Retries sleep on a real clock (500ms, 1s, ...); this test only
	// exercises the first couple of attempts so keep it quick.
	if err := s.sendWithRetry(context.Background(), partition(events)[0], time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestPushBatch_FatalOn4xxDoesNotRetry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"Status":"Fail","Message":"schema mismatch"}`))
	}))
	defer server.Close()

	s := New(server.URL, "db", "user", "pass", nil, 1, nil)
	rel := testRelation()
	events := []wire.ChangeEvent{
		{Kind: wire.Insert, RelationID: 1, Relation: rel, Marker: wire.CommitMarker{CommitLSN: 1},
			New: wire.Tuple{Values: []wire.Value{{State: wire.StateText, Decoded: int64(1)}, {State: wire.StateText, Decoded: "a"}, {State: wire.StateText, Decoded: "b"}}}},
	}
	err := s.PushBatch(context.Background(), pipeline.Batch{Events: events})
	if err == nil {
		t.Fatal("expected a fatal error on 400")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable failure, got %d", got)
	}
}

func TestPushBatch_ParallelismDispatchesAcrossSubBatches(t *testing.T) {
	rel1 := testRelation()
	rel2 := testRelation()
	rel2.RelationID = 2
	rel2.Name = "orders"

	var inFlight, maxInFlight int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if cur <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		mustWriteStatus(t, w, "Success")
	}))
	defer server.Close()

	var confirmed *wire.CommitMarker
	confirm := func(_ context.Context, m wire.CommitMarker) error {
		confirmed = &m
		return nil
	}
	s := New(server.URL, "db", "user", "pass", confirm, 2, nil)

	events := []wire.ChangeEvent{
		{Kind: wire.Insert, RelationID: 1, Relation: rel1, Marker: wire.CommitMarker{CommitLSN: 5},
			New: wire.Tuple{Values: []wire.Value{{State: wire.StateText, Decoded: int64(1)}, {State: wire.StateText, Decoded: "a"}, {State: wire.StateText, Decoded: "b"}}}},
		{Kind: wire.Insert, RelationID: 2, Relation: rel2, Marker: wire.CommitMarker{CommitLSN: 10},
			New: wire.Tuple{Values: []wire.Value{{State: wire.StateText, Decoded: int64(1)}, {State: wire.StateText, Decoded: "a"}, {State: wire.StateText, Decoded: "b"}}}},
	}
	if err := s.PushBatch(context.Background(), pipeline.Batch{Events: events}); err != nil {
		t.Fatal(err)
	}
	if confirmed == nil || confirmed.CommitLSN != 10 {
		t.Fatalf("expected confirmed marker 10, got %v", confirmed)
	}
	if atomic.LoadInt32(&maxInFlight) < 2 {
		t.Fatalf("expected both sub-batches to run concurrently under parallelism 2, max observed in flight was %d", maxInFlight)
	}
}

func TestPushBatch_PartialFailureRespectsGapRule(t *testing.T) {
	rel1 := testRelation()
	rel2 := testRelation()
	rel2.RelationID = 2
	rel2.Name = "orders"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/db/orders/_stream_load" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"Status":"Fail"}`))
			return
		}
		mustWriteStatus(t, w, "Success")
	}))
	defer server.Close()

	var confirmed *wire.CommitMarker
	confirm := func(_ context.Context, m wire.CommitMarker) error {
		confirmed = &m
		return nil
	}
	s := New(server.URL, "db", "user", "pass", confirm, 1, nil)

	events := []wire.ChangeEvent{
		{Kind: wire.Insert, RelationID: 1, Relation: rel1, Marker: wire.CommitMarker{CommitLSN: 5},
			New: wire.Tuple{Values: []wire.Value{{State: wire.StateText, Decoded: int64(1)}, {State: wire.StateText, Decoded: "a"}, {State: wire.StateText, Decoded: "b"}}}},
		{Kind: wire.Insert, RelationID: 2, Relation: rel2, Marker: wire.CommitMarker{CommitLSN: 10},
			New: wire.Tuple{Values: []wire.Value{{State: wire.StateText, Decoded: int64(1)}, {State: wire.StateText, Decoded: "a"}, {State: wire.StateText, Decoded: "b"}}}},
	}
	err := s.PushBatch(context.Background(), pipeline.Batch{Events: events})
	if err == nil {
		t.Fatal("expected an error since one sub-batch failed")
	}
	if confirmed == nil {
		t.Fatal("expected the surviving sub-batch (LSN 5, below the failed sub-batch's LSN 10) to be confirmed")
	}
	if confirmed.CommitLSN != 5 {
		t.Fatalf("expected confirmed marker 5, got %d", confirmed.CommitLSN)
	}
}
