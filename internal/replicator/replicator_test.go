package replicator

import (
	"testing"
	"time"

	"github.com/dbmazz/dbmazzd/internal/schema"
	"github.com/dbmazz/dbmazzd/internal/wire"
)

func newTestReplicator() *Replicator {
	return New(Config{ConnectionString: "postgres://unused"}, schema.New(), nil)
}

func TestSetFlushLSN_MonotonicallyIncreases(t *testing.T) {
	r := newTestReplicator()
	r.SetFlushLSN(wire.LSN(100))
	r.SetFlushLSN(wire.LSN(50)) // stale confirm from a slow retry, must not regress
	if got := r.flushLSN.Load(); got != 100 {
		t.Fatalf("expected flush_lsn to stay at 100, got %d", got)
	}
	r.SetFlushLSN(wire.LSN(150))
	if got := r.flushLSN.Load(); got != 150 {
		t.Fatalf("expected flush_lsn to advance to 150, got %d", got)
	}
}

func TestTimeSinceLastMessage_ZeroBeforeAnyMessage(t *testing.T) {
	r := newTestReplicator()
	if got := r.TimeSinceLastMessage(); got != 0 {
		t.Fatalf("expected 0 before any message has been received, got %v", got)
	}
}

func TestTimeSinceLastMessage_ReflectsElapsedTime(t *testing.T) {
	r := newTestReplicator()
	r.lastMsg.Store(time.Now().Add(-2 * time.Second).UnixMilli())
	if got := r.TimeSinceLastMessage(); got < time.Second {
		t.Fatalf("expected at least 1s elapsed, got %v", got)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.StandbyInterval != 10*time.Second {
		t.Fatalf("expected default standby interval of 10s, got %v", cfg.StandbyInterval)
	}
}
