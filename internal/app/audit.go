package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	loom "github.com/nevindra/loom"
)

// auditMirror writes audit records to the database and mirrors each
// one to the platform audit API. The database write is authoritative;
// mirror failures are logged and swallowed so audit never blocks or
// fails a tool call twice.
type auditMirror struct {
	inner    loom.AuditStore
	endpoint string
	key      string
	client   *http.Client
	log      *slog.Logger
}

func newAuditMirror(inner loom.AuditStore, endpoint, internalKey string, log *slog.Logger) *auditMirror {
	return &auditMirror{
		inner:    inner,
		endpoint: endpoint,
		key:      internalKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

func (m *auditMirror) WriteAudit(ctx context.Context, rec loom.AuditRecord) error {
	err := m.inner.WriteAudit(ctx, rec)
	m.mirror(ctx, rec)
	return err
}

func (m *auditMirror) mirror(ctx context.Context, rec loom.AuditRecord) {
	body, jsonErr := json.Marshal(rec)
	if jsonErr != nil {
		m.log.Warn("audit mirror marshal failed", "error", jsonErr)
		return
	}
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if reqErr != nil {
		m.log.Warn("audit mirror request failed", "error", reqErr)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if m.key != "" {
		req.Header.Set("Authorization", "Bearer "+m.key)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Warn("audit mirror post failed", "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		m.log.Warn("audit mirror rejected", "status", resp.StatusCode)
	}
}
