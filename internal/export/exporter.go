// Package export accumulates processed records and transmits them in signed
// batches to the downstream analytics endpoint. The queue lives in process
// memory; records not yet flushed are lost on a crash (accepted at-most-once
// trade-off, see DESIGN.md). Flushes never abandon records: a failed batch is
// prepended back onto the queue head in original order and retried with
// capped exponential backoff.
package export

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/szibis/telemetry-gate/internal/auditlog"
	"github.com/szibis/telemetry-gate/internal/logging"
	tlspkg "github.com/szibis/telemetry-gate/internal/tls"
	"golang.org/x/net/http2"
)

// DefaultMaxBackoff caps the retry backoff between failed flushes.
const DefaultMaxBackoff = 60 * time.Second

// Config holds the exporter configuration.
type Config struct {
	// Enabled toggles the export pipeline. When false, Enqueue is a no-op.
	Enabled bool
	// BaseURL is the downstream base URL, e.g. https://analytics.example.com.
	BaseURL string
	// ProfileID is the downstream export profile appended to the ingest path.
	ProfileID string
	// SigningKeyPath is the PKCS#8 PEM file holding the Ed25519 batch key.
	SigningKeyPath string
	// BatchSize is the maximum records per batch; reaching it triggers an
	// immediate flush.
	BatchSize int
	// FlushInterval is the timer-driven flush period and the base backoff.
	FlushInterval time.Duration
	// Timeout is the per-request timeout for downstream POSTs.
	Timeout time.Duration
	// MaxBackoff caps the retry backoff (DefaultMaxBackoff when zero).
	MaxBackoff time.Duration
	// Compression selects the request body encoding: "", "gzip", or "zstd".
	Compression string
	// TLS configures the downstream client connection.
	TLS tlspkg.ClientConfig
}

// Exporter is the signed batch export pipeline: idle -> flushing -> idle,
// with a pending timer whenever the queue is non-empty and no flush is in
// flight.
type Exporter struct {
	cfg      Config
	endpoint string
	client   *http.Client
	key      ed25519.PrivateKey
	sink     auditlog.Sink
	now      func() time.Time

	mu       sync.Mutex
	queue    []Record
	flushing bool
	timer    *time.Timer
	backoff  time.Duration
	retrying bool
	closed   bool
	idle     *sync.Cond
}

// New builds an Exporter. When export is enabled the signing key must load;
// misconfiguration fails here, at startup.
func New(cfg Config) (*Exporter, error) {
	e := &Exporter{cfg: cfg, sink: auditlog.NewMemorySink(), now: time.Now}
	e.idle = sync.NewCond(&e.mu)

	if !cfg.Enabled {
		return e, nil
	}

	if cfg.BaseURL == "" || cfg.ProfileID == "" {
		return nil, fmt.Errorf("export enabled without downstream base URL or profile id")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("export batch size must be positive")
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("export flush interval must be positive")
	}
	if cfg.MaxBackoff <= 0 {
		e.cfg.MaxBackoff = DefaultMaxBackoff
	}
	switch cfg.Compression {
	case "", "gzip", "zstd":
	default:
		return nil, fmt.Errorf("unsupported export compression %q", cfg.Compression)
	}

	key, err := loadSigningKey(cfg.SigningKeyPath)
	if err != nil {
		return nil, err
	}
	e.key = key
	e.endpoint = strings.TrimSuffix(cfg.BaseURL, "/") + "/api/ingest/" + cfg.ProfileID
	e.backoff = e.cfg.FlushInterval

	client, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	e.client = client

	return e, nil
}

// newHTTPClient builds the downstream client with a tuned transport.
func newHTTPClient(cfg Config) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("export TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	} else if strings.HasPrefix(cfg.BaseURL, "https://") {
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if transport.TLSClientConfig != nil {
		if _, err := http2.ConfigureTransports(transport); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// SetSink replaces the export-log sink. Called once during wiring, before
// records flow.
func (e *Exporter) SetSink(sink auditlog.Sink) {
	e.sink = sink
}

// Enabled reports whether the export pipeline is active.
func (e *Exporter) Enabled() bool {
	return e.cfg.Enabled
}

// PublicKey returns the verification half of the batch signing key, or nil
// when export is disabled.
func (e *Exporter) PublicKey() ed25519.PublicKey {
	if e.key == nil {
		return nil
	}
	return e.key.Public().(ed25519.PublicKey)
}

// Verify checks a batch signature against the export key pair.
func (e *Exporter) Verify(body, signature []byte) bool {
	pub := e.PublicKey()
	if pub == nil {
		return false
	}
	return ed25519.Verify(pub, body, signature)
}

// Enqueue appends a record to the queue tail. Reaching the batch size
// triggers an immediate flush; otherwise a flush is scheduled after the flush
// interval if one is not already pending. Enqueue has no I/O and cannot fail
// the request path.
func (e *Exporter) Enqueue(record Record) {
	if !e.cfg.Enabled {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, record)
	queueDepth.Set(float64(len(e.queue)))
	if len(e.queue) >= e.cfg.BatchSize {
		e.scheduleLocked(0)
	} else {
		e.scheduleLocked(e.cfg.FlushInterval)
	}
}

// QueueLen returns the current queue depth.
func (e *Exporter) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// scheduleLocked arms the flush timer. While a flush is in flight no timer is
// armed; the flush epilogue re-evaluates. An immediate request collapses an
// already-armed timer to fire now, unless that timer is a backoff retry after
// a failed flush; the backoff sleep must elapse before the next attempt.
func (e *Exporter) scheduleLocked(delay time.Duration) {
	if e.flushing || e.closed {
		return
	}
	if e.timer != nil {
		if delay == 0 && !e.retrying {
			e.timer.Reset(0)
		}
		return
	}
	e.timer = time.AfterFunc(delay, e.flush)
}

// flush takes up to BatchSize records from the queue head and sends them as
// one signed batch. The single-flight guard keeps a timer-driven flush and a
// threshold-triggered flush from running concurrently.
func (e *Exporter) flush() {
	e.mu.Lock()
	e.timer = nil
	if e.flushing || e.closed || len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	n := e.cfg.BatchSize
	if n > len(e.queue) {
		n = len(e.queue)
	}
	batch := make([]Record, n)
	copy(batch, e.queue[:n])
	e.queue = e.queue[n:]
	queueDepth.Set(float64(len(e.queue)))
	e.mu.Unlock()

	err := e.send(context.Background(), batch)

	e.mu.Lock()
	e.flushing = false
	e.retrying = err != nil
	var next time.Duration
	if err != nil {
		// Prepend the taken records back onto the head, preserving order.
		e.queue = append(batch, e.queue...)
		queueDepth.Set(float64(len(e.queue)))
		e.backoff *= 2
		if e.backoff > e.cfg.MaxBackoff {
			e.backoff = e.cfg.MaxBackoff
		}
		next = e.backoff
		logging.Warn("batch export failed, will retry", logging.F(
			"error", err.Error(),
			"records", len(batch),
			"queue_depth", len(e.queue),
			"backoff", next.String(),
		))
	} else {
		e.backoff = e.cfg.FlushInterval
		if len(e.queue) >= e.cfg.BatchSize {
			next = 0
		} else {
			next = e.cfg.FlushInterval
		}
	}
	currentBackoffSeconds.Set(e.backoff.Seconds())
	if len(e.queue) > 0 {
		e.scheduleLocked(next)
	}
	e.idle.Broadcast()
	e.mu.Unlock()
}

// send builds, signs, and posts one batch, recording the attempt outcome to
// the export log.
func (e *Exporter) send(ctx context.Context, records []Record) error {
	batchID := uuid.NewString()
	body, err := json.Marshal(batchBody{
		BatchID: batchID,
		Count:   len(records),
		Records: records,
	})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	checksum := sha256.Sum256(body)
	checksumHex := hex.EncodeToString(checksum[:])
	signature := base64.RawURLEncoding.EncodeToString(ed25519.Sign(e.key, body))

	wireBody, encoding, err := compress(body, e.cfg.Compression)
	if err != nil {
		return fmt.Errorf("compress batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(wireBody))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-batch-signature", signature)
	req.Header.Set("x-checksum-sha256", checksumHex)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	exportRequestsTotal.Inc()

	resp, err := e.client.Do(req)
	if err != nil {
		exportErrorsTotal.WithLabelValues(string(classifyError(err))).Inc()
		e.recordAttempt(batchID, len(records), "failure", 0, checksumHex)
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		exportErrorsTotal.WithLabelValues(string(classifyStatusCode(resp.StatusCode))).Inc()
		e.recordAttempt(batchID, len(records), "failure", resp.StatusCode, checksumHex)
		return fmt.Errorf("downstream returned status %d", resp.StatusCode)
	}

	label := encoding
	if label == "" {
		label = "none"
	}
	exportBytesTotal.WithLabelValues(label).Add(float64(len(wireBody)))
	exportRecordsTotal.Add(float64(len(records)))
	e.recordAttempt(batchID, len(records), "success", resp.StatusCode, checksumHex)

	logging.Debug("batch exported", logging.F(
		"batch_id", batchID,
		"records", len(records),
		"status", resp.StatusCode,
	))
	return nil
}

// recordAttempt writes one export-log row. Best-effort: export log failures
// are logged, never propagated, since the original caller was already
// answered.
func (e *Exporter) recordAttempt(batchID string, count int, status string, responseCode int, checksum string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.sink.RecordExport(ctx, auditlog.ExportLogEntry{
		BatchID:       batchID,
		RecordCount:   count,
		Status:        status,
		ResponseCode:  responseCode,
		Checksum:      checksum,
		TransmittedAt: e.now(),
	})
	if err != nil {
		logging.Error("failed to record export attempt", logging.F(
			"batch_id", batchID,
			"error", err.Error(),
		))
	}
}

// Close stops scheduling and drains the queue best-effort until ctx expires.
// Records that fail to send remain unsent: export durability across restarts
// is not guaranteed.
func (e *Exporter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	for e.flushing {
		e.idle.Wait()
	}
	remaining := e.queue
	e.queue = nil
	queueDepth.Set(0)
	e.mu.Unlock()

	if !e.cfg.Enabled || len(remaining) == 0 {
		return nil
	}

	logging.Info("draining export queue", logging.F("records", len(remaining)))
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			logging.Warn("export drain timed out", logging.F("dropped", len(remaining)))
			return ctx.Err()
		}
		n := e.cfg.BatchSize
		if n > len(remaining) {
			n = len(remaining)
		}
		if err := e.send(ctx, remaining[:n]); err != nil {
			logging.Warn("export drain failed", logging.F(
				"error", err.Error(),
				"dropped", len(remaining),
			))
			return err
		}
		remaining = remaining[n:]
	}
	return nil
}

// compress encodes body per the configured compression and returns the wire
// bytes plus the Content-Encoding value ("" for identity).
func compress(body []byte, compression string) ([]byte, string, error) {
	switch compression {
	case "":
		return body, "", nil
	case "gzip":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "gzip", nil
	case "zstd":
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, "", err
		}
		out := w.EncodeAll(body, nil)
		_ = w.Close()
		return out, "zstd", nil
	default:
		return nil, "", fmt.Errorf("unsupported compression %q", compression)
	}
}
