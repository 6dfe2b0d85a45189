package loom

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HashUser anonymizes a user id for audit storage: first 16 hex chars
// of its SHA-256.
func HashUser(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:16]
}

// AuditLogger feeds records to an AuditStore through a buffered channel
// so a slow sink never stalls the tool loop. When the buffer is full
// the record is dropped and counted; audit failures are logged, never
// propagated.
type AuditLogger struct {
	store  AuditStore
	logger *slog.Logger

	ch      chan AuditRecord
	done    chan struct{}
	closed  sync.Once
	dropped atomic.Int64
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// AuditBuffer sets the channel capacity (default 256).
func AuditBuffer(n int) AuditOption {
	return func(a *AuditLogger) { a.ch = make(chan AuditRecord, n) }
}

// AuditLoggerLog sets the structured logger. Defaults to no output.
func AuditLoggerLog(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// NewAuditLogger starts the write loop. A nil store turns Record into
// a no-op.
func NewAuditLogger(store AuditStore, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		store:  store,
		logger: nopLogger,
		ch:     make(chan AuditRecord, 256),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.writeLoop()
	return a
}

// Record enqueues rec, assigning an id and timestamp when missing.
// Never blocks.
func (a *AuditLogger) Record(rec AuditRecord) {
	if a.store == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = NowUnixMilli()
	}
	select {
	case a.ch <- rec:
	default:
		n := a.dropped.Add(1)
		a.logger.Warn("audit buffer full, record dropped",
			"tool", rec.Tool,
			"dropped_total", n)
	}
}

// Dropped returns how many records were lost to a full buffer.
func (a *AuditLogger) Dropped() int64 { return a.dropped.Load() }

// Close drains the buffer and stops the write loop.
func (a *AuditLogger) Close() {
	a.closed.Do(func() { close(a.ch) })
	<-a.done
}

func (a *AuditLogger) writeLoop() {
	defer close(a.done)
	for rec := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.store.WriteAudit(ctx, rec); err != nil {
			a.logger.Warn("audit write failed",
				"tool", rec.Tool,
				"server", rec.Server,
				"error", err)
		}
		cancel()
	}
}
