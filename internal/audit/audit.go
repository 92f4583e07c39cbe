// Package audit is an async, buffered writer for alert audit events,
// decoupling the evaluation hot path from the database round trip a
// best-effort log write would otherwise add to it.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/preflightwatch/internal/db"
)

// Entry is one pending audit event.
type Entry struct {
	AlertID   string
	EventType string
	Actor     string
	EventAt   time.Time
	Payload   json.RawMessage
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer buffers audit entries in memory and flushes them to the alert
// audit table on a timer or once flushBatch entries have accumulated, so a
// caller's Log never blocks on a database round trip.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates an audit Writer. Call Start to begin flushing.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background flush loop in its own goroutine and returns
// immediately. The loop exits, after flushing every buffered entry, once ctx
// is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the final flush.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry. It never blocks; a full buffer drops the
// entry and logs a warning, since audit events are best-effort by design
// (§3: "all audit writes are serialised through the Alert Engine", not
// guaranteed durable ahead of the evaluation that produced them).
func (w *Writer) Log(e Entry) {
	select {
	case w.entries <- e:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"alert_id", e.AlertID, "event_type", e.EventType)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := db.New(w.pool)
	for _, e := range entries {
		if err := q.InsertAlertAuditEvent(ctx, db.InsertAlertAuditEventParams{
			AlertID:     e.AlertID,
			EventType:   e.EventType,
			Actor:       e.Actor,
			EventAt:     e.EventAt,
			PayloadJSON: e.Payload,
		}); err != nil {
			w.logger.Error("writing audit event", "error", err,
				"alert_id", e.AlertID, "event_type", e.EventType)
		}
	}
}
