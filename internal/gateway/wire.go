package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/szibis/telemetry-gate/internal/auth"
	"github.com/szibis/telemetry-gate/internal/idem"
	"github.com/szibis/telemetry-gate/internal/pseudo"
	"github.com/szibis/telemetry-gate/internal/ratelimit"
	"github.com/szibis/telemetry-gate/internal/replay"
	"github.com/szibis/telemetry-gate/internal/sanitize"
)

// wireError is the single funnel translating domain errors to a stable wire
// code and HTTP status. Clients never see raw error text; anything unmapped
// becomes a generic 500.
func wireError(err error) (status int, code string) {
	var sErr *sanitize.Error
	switch {
	case errors.Is(err, auth.ErrMissingSignature), errors.Is(err, auth.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.As(err, &sErr):
		return http.StatusUnprocessableEntity, sErr.Code
	case errors.Is(err, replay.ErrInvalidTimestamp):
		return http.StatusUnprocessableEntity, "invalid_timestamp"
	case errors.Is(err, replay.ErrTimestampOutOfWindow):
		return http.StatusUnprocessableEntity, "timestamp_out_of_window"
	case errors.Is(err, replay.ErrSeqReplay):
		return http.StatusConflict, "seq_replay_detected"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, idem.ErrConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, pseudo.ErrEmptyDeviceID):
		return http.StatusUnprocessableEntity, "schema_invalid"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// sanitizationClass reports whether a wire status/code pair is a
// sanitization-class rejection (validation, forbidden content, timestamp
// problems) for audit purposes.
func sanitizationClass(status int) bool {
	return status == http.StatusUnprocessableEntity
}

// metricCode reduces a wire code to a low-cardinality metrics label:
// "forbidden_field:metrics.ip" counts as "forbidden_field".
func metricCode(code string) string {
	if i := strings.IndexByte(code, ':'); i > 0 {
		return code[:i]
	}
	return code
}
