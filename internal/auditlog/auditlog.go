// Package auditlog records rejected requests and export attempt outcomes to
// append-only sinks. Entries never carry a raw device identifier or raw IP:
// callers pass pseudonymized or hashed values only.
package auditlog

import (
	"context"
	"sync"
	"time"
)

// AuditEntry is an append-only record of a rejected request.
type AuditEntry struct {
	Action    string
	DidPseudo string
	IPHash    string
	Detail    string
	CreatedAt time.Time
}

// ErrorEvent is an append-only record of a failed request. DidPseudo is the
// best-effort pseudonymized device fingerprint and may be empty when
// pseudonymization itself failed.
type ErrorEvent struct {
	Code      string
	DidPseudo string
	Detail    string
	CreatedAt time.Time
}

// ExportLogEntry records one export attempt outcome.
type ExportLogEntry struct {
	BatchID       string
	RecordCount   int
	Status        string
	ResponseCode  int
	Checksum      string
	TransmittedAt time.Time
}

// Sink persists audit records. Writes are best-effort on the request path:
// callers log failures and continue.
type Sink interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
	RecordError(ctx context.Context, event ErrorEvent) error
	RecordExport(ctx context.Context, entry ExportLogEntry) error
}

// MemorySink is the in-process Sink used in tests and single-node setups.
type MemorySink struct {
	mu      sync.Mutex
	audits  []AuditEntry
	errors  []ErrorEvent
	exports []ExportLogEntry
}

// NewMemorySink returns an empty in-process sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// RecordAudit implements Sink.
func (s *MemorySink) RecordAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

// RecordError implements Sink.
func (s *MemorySink) RecordError(_ context.Context, event ErrorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, event)
	return nil
}

// RecordExport implements Sink.
func (s *MemorySink) RecordExport(_ context.Context, entry ExportLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports = append(s.exports, entry)
	return nil
}

// Audits returns a copy of recorded audit entries.
func (s *MemorySink) Audits() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audits...)
}

// Errors returns a copy of recorded error events.
func (s *MemorySink) Errors() []ErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorEvent(nil), s.errors...)
}

// Exports returns a copy of recorded export log entries.
func (s *MemorySink) Exports() []ExportLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExportLogEntry(nil), s.exports...)
}
