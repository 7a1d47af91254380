// Package auth verifies device signatures on the ingest path and guards the
// admin surface with a shared token plus a time-based one-time code.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/szibis/telemetry-gate/internal/keyservice"
)

// SignatureHeader carries the device HMAC over the canonical request body.
const SignatureHeader = "x-device-signature"

// ErrMissingSignature is returned when the signature header is absent.
var ErrMissingSignature = errors.New("missing device signature")

// ErrInvalidSignature is returned when the signature does not verify.
var ErrInvalidSignature = errors.New("invalid device signature")

// VerifyDeviceSignature checks the base64url-no-pad HMAC-SHA256 signature
// over the request body using the key service, with a constant-time compare.
func VerifyDeviceSignature(ctx context.Context, keys *keyservice.Service, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	provided, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return ErrInvalidSignature
	}
	signer, err := keys.Signer(ctx)
	if err != nil {
		return fmt.Errorf("key service: %w", err)
	}
	expected, err := signer.SignHMACSHA256(ctx, body)
	if err != nil {
		return fmt.Errorf("sign request body: %w", err)
	}
	if !hmac.Equal(provided, expected) {
		return ErrInvalidSignature
	}
	return nil
}

// AdminConfig holds the admin surface credentials.
type AdminConfig struct {
	// Token is the shared admin token checked against x-admin-token.
	Token string
	// TOTPSecret is the base32 secret checked against x-admin-totp.
	TOTPSecret string
}

// Configured reports whether the admin surface has credentials.
func (c AdminConfig) Configured() bool {
	return c.Token != "" && c.TOTPSecret != ""
}

// AdminGuard wraps an admin handler with the token plus TOTP check. An
// unconfigured admin surface rejects everything.
func AdminGuard(cfg AdminConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Configured() {
			http.Error(w, "admin surface disabled", http.StatusForbidden)
			return
		}
		token := r.Header.Get("x-admin-token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		code := r.Header.Get("x-admin-totp")
		ok, err := VerifyTOTP(cfg.TOTPSecret, code, timeNow())
		if err != nil {
			http.Error(w, "admin totp unavailable", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
