package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/szibis/telemetry-gate/internal/auditlog"
	"github.com/szibis/telemetry-gate/internal/auth"
	"github.com/szibis/telemetry-gate/internal/export"
	"github.com/szibis/telemetry-gate/internal/idem"
	"github.com/szibis/telemetry-gate/internal/logging"
	"github.com/szibis/telemetry-gate/internal/sanitize"
)

// idempotencyKeyHeader is the client-supplied retry token.
const idempotencyKeyHeader = "idempotency-key"

// replayedHeader marks a response served from the idempotency cache.
const replayedHeader = "x-idempotent-replayed"

const contentTypeJSON = "application/json"

// handleIngest is the request entry point: the idempotency layer wraps the
// pipeline, replaying a cached response for a recognized retry and caching
// the outcome of a first attempt.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	defer func() {
		ingestDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	ctx := r.Context()
	body, err := readBody(w, r, s.opts.MaxBodyBytes)
	if err != nil {
		s.respond(w, http.StatusUnprocessableEntity, errorBody("schema_invalid"))
		ingestRequestsTotal.WithLabelValues("schema_invalid").Inc()
		return
	}

	key := r.Header.Get(idempotencyKeyHeader)
	if key != "" {
		bodyHash := idem.BodyHash(body)
		entry, err := idem.Check(ctx, s.opts.Idempotency, key, bodyHash)
		switch {
		case errors.Is(err, idem.ErrConflict):
			status, code := wireError(err)
			ingestRequestsTotal.WithLabelValues(metricCode(code)).Inc()
			s.respond(w, status, errorBody(code))
			return
		case err != nil:
			// Cache trouble must not reject valid telemetry.
			logging.Error("idempotency lookup failed", logging.F("error", err.Error()))
		case entry != nil:
			idempotentReplaysTotal.Inc()
			w.Header().Set("Content-Type", entry.ContentType)
			w.Header().Set(replayedHeader, "true")
			w.WriteHeader(entry.StatusCode)
			_, _ = w.Write(entry.Body)
			return
		}

		status, respBody := s.processIngest(ctx, r, body)
		if status < http.StatusInternalServerError {
			err := s.opts.Idempotency.Set(ctx, key, idem.Entry{
				BodyHash:    bodyHash,
				StatusCode:  status,
				ContentType: contentTypeJSON,
				Body:        respBody,
			}, s.opts.IdempotencyTTL)
			if err != nil {
				logging.Error("idempotency store failed", logging.F("error", err.Error()))
			}
		}
		s.respond(w, status, respBody)
		return
	}

	status, respBody := s.processIngest(ctx, r, body)
	s.respond(w, status, respBody)
}

// processIngest runs the pipeline in its fixed order, failing fast at the
// first error: signature, schema, sanitization, pseudonymization plus mapping
// persistence, rate limit, replay freshness, enqueue, respond. Enqueue is
// fire-and-forget: the response returns before the record is transmitted
// downstream.
func (s *Server) processIngest(ctx context.Context, r *http.Request, body []byte) (int, []byte) {
	if err := auth.VerifyDeviceSignature(ctx, s.opts.Keys, body, r.Header.Get(auth.SignatureHeader)); err != nil {
		return s.reject(ctx, r, "", err)
	}

	payload, decoded, err := sanitize.Validate(body)
	if err != nil {
		return s.reject(ctx, r, "", err)
	}

	clean, err := sanitize.Sanitize(payload, decoded)
	if err != nil {
		return s.reject(ctx, r, payload.DeviceID, err)
	}

	pn, err := s.opts.Pseudonymizer.Pseudonymize(ctx, payload.DeviceID)
	if err != nil {
		return s.reject(ctx, r, payload.DeviceID, err)
	}
	mapping, err := s.opts.Mappings.Upsert(ctx, payload.DeviceID, pn.DidPseudo, pn.KeyVersion)
	if err != nil {
		return s.reject(ctx, r, payload.DeviceID, err)
	}

	if err := s.opts.Limiter.Consume(ctx, mapping.DidPseudo); err != nil {
		return s.reject(ctx, r, payload.DeviceID, err)
	}

	if err := s.opts.Replay.AssertFresh(ctx, mapping.DidPseudo, payload.Seq, payload.Timestamp); err != nil {
		return s.reject(ctx, r, payload.DeviceID, err)
	}

	s.opts.Exporter.Enqueue(export.Record{
		DidPseudo:  mapping.DidPseudo,
		Seq:        clean.Seq,
		Timestamp:  clean.Timestamp,
		Metrics:    clean.Metrics,
		KeyVersion: mapping.KeyVersion,
	})

	ingestRequestsTotal.WithLabelValues("queued").Inc()
	resp, _ := json.Marshal(map[string]string{
		"status":     "queued",
		"didPseudo":  mapping.DidPseudo,
		"keyVersion": mapping.KeyVersion,
	})
	return http.StatusAccepted, resp
}

// reject funnels a pipeline error to the wire and records audit state:
// sanitization-class failures get an ErrorEvent plus an ingest_reject audit
// row with the caller's hashed IP; rate-limit failures get an ErrorEvent.
// Recording is best-effort and never alters the response.
func (s *Server) reject(ctx context.Context, r *http.Request, deviceIDRaw string, cause error) (int, []byte) {
	status, code := wireError(cause)
	ingestRequestsTotal.WithLabelValues(metricCode(code)).Inc()

	if status == http.StatusInternalServerError {
		logging.Error("ingest pipeline failure", logging.F("error", cause.Error()))
	}

	if sanitizationClass(status) || status == http.StatusTooManyRequests {
		fingerprint := s.fingerprint(ctx, deviceIDRaw)
		s.recordError(ctx, auditlog.ErrorEvent{
			Code:      metricCode(code),
			DidPseudo: fingerprint,
			Detail:    code,
			CreatedAt: time.Now().UTC(),
		})
		if sanitizationClass(status) {
			s.recordAudit(ctx, auditlog.AuditEntry{
				Action:    "ingest_reject",
				DidPseudo: fingerprint,
				IPHash:    s.hashCallerIP(ctx, r),
				Detail:    code,
				CreatedAt: time.Now().UTC(),
			})
		}
	}

	return status, errorBody(code)
}

// fingerprint best-effort pseudonymizes a raw device ID for audit records.
// Returns empty when the ID is unknown or pseudonymization fails: audit rows
// never carry the raw identifier.
func (s *Server) fingerprint(ctx context.Context, deviceIDRaw string) string {
	if deviceIDRaw == "" {
		return ""
	}
	pn, err := s.opts.Pseudonymizer.Pseudonymize(ctx, deviceIDRaw)
	if err != nil {
		return ""
	}
	return pn.DidPseudo
}

// hashCallerIP returns the HMAC of the caller's IP address, base64url
// encoded. The raw IP never reaches a persisted record.
func (s *Server) hashCallerIP(ctx context.Context, r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return ""
	}
	signer, err := s.opts.Keys.Signer(ctx)
	if err != nil {
		return ""
	}
	mac, err := signer.SignHMACSHA256(ctx, []byte("ip:"+host))
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(mac)
}

func (s *Server) recordError(ctx context.Context, event auditlog.ErrorEvent) {
	if err := s.opts.Sink.RecordError(ctx, event); err != nil {
		logging.Error("failed to record error event", logging.F("error", err.Error()))
	}
}

func (s *Server) recordAudit(ctx context.Context, entry auditlog.AuditEntry) {
	if err := s.opts.Sink.RecordAudit(ctx, entry); err != nil {
		logging.Error("failed to record audit entry", logging.F("error", err.Error()))
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func errorBody(code string) []byte {
	body, _ := json.Marshal(map[string]string{"error": code})
	return body
}

// readBody reads at most maxBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
}
