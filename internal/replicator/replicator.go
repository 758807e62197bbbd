// Package replicator owns the PostgreSQL logical-replication
// connection: bootstrapping the slot and publication, streaming
// XLogData through the decoder, and answering the source's keepalive
// protocol.
package replicator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/dbmazz/dbmazzd/internal/logging"
	"github.com/dbmazz/dbmazzd/internal/schema"
	"github.com/dbmazz/dbmazzd/internal/wire"
)

// Config parameterizes one replication session.
type Config struct {
	ConnectionString  string
	SlotName          string
	PublicationName   string
	Tables            []string
	CreatePublication bool
	TemporarySlot     bool
	TruncatePolicy    string
	// StandbyInterval bounds how long the keepalive task waits
	// between unsolicited status updates; the source's own keepalive
	// pings are answered immediately regardless of this interval.
	StandbyInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.StandbyInterval <= 0 {
		c.StandbyInterval = 10 * time.Second
	}
}

// Pusher hands a committed transaction's events to the pipeline.
type Pusher interface {
	Push(ctx context.Context, events []wire.ChangeEvent) error
}

// Drainer forces the pipeline to flush whatever it is currently
// holding, and waits for that flush to complete.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Replicator streams logical replication messages, decodes them, and
// hands committed transactions to a Pusher. A single instance owns
// exactly one PgConn: the receive loop reads it, a separate keepalive
// goroutine writes standby status updates to it, and nothing else
// touches it concurrently.
type Replicator struct {
	cfg     Config
	conn    *pgconn.PgConn
	decoder *wire.Decoder
	logger  *logging.Logger

	writeLSN atomic.Uint64
	flushLSN atomic.Uint64
	lastMsg  atomic.Int64
}

// New creates a Replicator against the given schema cache.
func New(cfg Config, cache *schema.Cache, logger *logging.Logger) *Replicator {
	cfg.applyDefaults()
	return &Replicator{
		cfg:     cfg,
		decoder: wire.New(cache, cfg.Tables, cfg.TruncatePolicy, logger),
		logger:  logger,
	}
}

// SetFlushLSN records the marker most recently confirmed durable by
// the checkpoint store. The keepalive task reports this value to the
// source as flush_lsn/apply_lsn.
func (r *Replicator) SetFlushLSN(lsn wire.LSN) {
	for {
		cur := r.flushLSN.Load()
		if uint64(lsn) <= cur {
			return
		}
		if r.flushLSN.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}

// TimeSinceLastMessage reports how long it has been since any message
// (keepalive or data) arrived from the source, used by the health
// endpoint to detect a stalled connection.
func (r *Replicator) TimeSinceLastMessage() time.Duration {
	last := r.lastMsg.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(last))
}

// Run connects, bootstraps the slot/publication if needed, starts
// replication from startLSN, and streams until ctx is cancelled or an
// unrecoverable error occurs. It does not return until the connection
// is closed.
func (r *Replicator) Run(ctx context.Context, startLSN wire.LSN, pusher Pusher, drainer Drainer) error {
	if err := r.connect(ctx); err != nil {
		return fmt.Errorf("replicator: connect: %w", err)
	}
	defer r.conn.Close(context.Background())

	if r.cfg.CreatePublication {
		if err := r.setupPublication(ctx); err != nil {
			return fmt.Errorf("replicator: setup publication: %w", err)
		}
	}
	if err := r.createReplicationSlot(ctx); err != nil {
		return fmt.Errorf("replicator: create replication slot: %w", err)
	}

	pos := pglogrepl.LSN(startLSN)
	if pos == 0 {
		sysident, err := pglogrepl.IdentifySystem(ctx, r.conn)
		if err != nil {
			return fmt.Errorf("replicator: identify system: %w", err)
		}
		pos = sysident.XLogPos
	}
	r.writeLSN.Store(uint64(pos))

	if err := r.startReplication(ctx, pos); err != nil {
		return fmt.Errorf("replicator: start replication: %w", err)
	}

	keepaliveCtx, cancelKeepalive := context.WithCancel(ctx)
	defer cancelKeepalive()
	go r.runKeepalive(keepaliveCtx)

	return r.receiveMessages(ctx, pos, pusher, drainer)
}

func (r *Replicator) connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, r.cfg.ConnectionString)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

func (r *Replicator) setupPublication(ctx context.Context) error {
	tableList := strings.Join(r.cfg.Tables, ", ")
	createSQL := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s;", r.cfg.PublicationName, tableList)
	result := r.conn.Exec(ctx, createSQL)
	if _, err := result.ReadAll(); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

func (r *Replicator) createReplicationSlot(ctx context.Context) error {
	_, err := pglogrepl.CreateReplicationSlot(
		ctx,
		r.conn,
		r.cfg.SlotName,
		"pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: r.cfg.TemporarySlot},
	)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

func (r *Replicator) startReplication(ctx context.Context, startPos pglogrepl.LSN) error {
	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", r.cfg.PublicationName),
	}
	return pglogrepl.StartReplication(
		ctx,
		r.conn,
		r.cfg.SlotName,
		startPos,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs},
	)
}

// runKeepalive periodically reports (write_lsn, flush_lsn, apply_lsn)
// to the source, independent of the receive loop's own immediate
// replies to server-initiated keepalive pings.
func (r *Replicator) runKeepalive(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.StandbyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flush := pglogrepl.LSN(r.flushLSN.Load())
			write := pglogrepl.LSN(r.writeLSN.Load())
			err := pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: write,
				WALFlushPosition: flush,
				WALApplyPosition: flush,
			})
			if err != nil && r.logger != nil {
				r.logger.Warnf("replicator: keepalive status update failed: %v", err)
			}
		}
	}
}

func (r *Replicator) receiveMessages(ctx context.Context, startPos pglogrepl.LSN, pusher Pusher, drainer Drainer) error {
	clientXLogPos := startPos

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgCtx, cancel := context.WithTimeout(ctx, r.cfg.StandbyInterval*2)
		rawMsg, err := r.conn.ReceiveMessage(msgCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
				continue
			}
			return fmt.Errorf("replicator: receive message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("replicator: postgres error: %s", errMsg.Message)
		}
		r.lastMsg.Store(time.Now().UnixMilli())

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(msg.Data) == 0 {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("replicator: parse keepalive: %w", err)
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				if err := pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
					WALWritePosition: clientXLogPos,
					WALFlushPosition: pglogrepl.LSN(r.flushLSN.Load()),
					WALApplyPosition: pglogrepl.LSN(r.flushLSN.Load()),
				}); err != nil {
					return fmt.Errorf("replicator: reply to keepalive: %w", err)
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("replicator: parse xlog data: %w", err)
			}

			result, err := r.decoder.Decode(xld.WALData)
			if err != nil {
				return fmt.Errorf("replicator: decode wal data: %w", err)
			}

			if result.RequiresDrain && drainer != nil {
				if err := drainer.Drain(ctx); err != nil {
					return fmt.Errorf("replicator: drain before relation change: %w", err)
				}
			}

			if len(result.Events) > 0 {
				if err := pusher.Push(ctx, result.Events); err != nil {
					return fmt.Errorf("replicator: push batch: %w", err)
				}
			}

			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart
			}
			r.writeLSN.Store(uint64(clientXLogPos))
		}
	}
}
