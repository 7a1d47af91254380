package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/szibis/telemetry-gate/internal/keyservice"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXP"

func testKeys(t *testing.T) *keyservice.Service {
	t.Helper()
	keys, err := keyservice.New(keyservice.Config{
		Backend:     keyservice.BackendLocal,
		KeyVersion:  "v1",
		LocalSecret: "test-secret",
	})
	if err != nil {
		t.Fatalf("keyservice.New: %v", err)
	}
	return keys
}

func signBody(t *testing.T, keys *keyservice.Service, body []byte) string {
	t.Helper()
	signer, err := keys.Signer(context.Background())
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	mac, err := signer.SignHMACSHA256(context.Background(), body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac)
}

func TestVerifyDeviceSignature(t *testing.T) {
	keys := testKeys(t)
	body := []byte(`{"deviceId":"d1","seq":1}`)
	sig := signBody(t, keys, body)

	if err := VerifyDeviceSignature(context.Background(), keys, body, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestVerifyDeviceSignatureFailures(t *testing.T) {
	keys := testKeys(t)
	body := []byte(`{"deviceId":"d1"}`)
	sig := signBody(t, keys, body)

	tests := []struct {
		name   string
		body   []byte
		header string
		want   error
	}{
		{"missing header", body, "", ErrMissingSignature},
		{"not base64url", body, "***", ErrInvalidSignature},
		{"tampered body", []byte(`{"deviceId":"d2"}`), sig, ErrInvalidSignature},
		{"truncated signature", body, sig[:len(sig)-4], ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyDeviceSignature(context.Background(), keys, tt.body, tt.header)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyDeviceSignatureAfterRotation(t *testing.T) {
	keys := testKeys(t)
	body := []byte(`{"seq":9}`)
	sig := signBody(t, keys, body)

	if err := keys.Rotate("v2"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := VerifyDeviceSignature(context.Background(), keys, body, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("old-key signature after rotation = %v, want ErrInvalidSignature", err)
	}
}

func TestTOTPRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 15, 0, time.UTC)
	code, err := GenerateTOTP(testTOTPSecret, now)
	if err != nil {
		t.Fatalf("GenerateTOTP: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("code = %q, want 6 digits", code)
	}

	ok, err := VerifyTOTP(testTOTPSecret, code, now)
	if err != nil || !ok {
		t.Errorf("VerifyTOTP(same step) = (%v, %v), want accepted", ok, err)
	}
	// One step of drift in either direction is tolerated.
	ok, _ = VerifyTOTP(testTOTPSecret, code, now.Add(30*time.Second))
	if !ok {
		t.Error("code rejected one step late")
	}
	ok, _ = VerifyTOTP(testTOTPSecret, code, now.Add(-30*time.Second))
	if !ok {
		t.Error("code rejected one step early")
	}
	// Two steps is outside the tolerance.
	ok, _ = VerifyTOTP(testTOTPSecret, code, now.Add(90*time.Second))
	if ok {
		t.Error("code accepted two steps late")
	}
}

func TestTOTPRejectsBadInputs(t *testing.T) {
	now := time.Now()
	if ok, _ := VerifyTOTP(testTOTPSecret, "000", now); ok {
		t.Error("short code accepted")
	}
	if _, err := VerifyTOTP("not base32!!", "123456", now); err == nil {
		t.Error("invalid secret accepted")
	}
}

func TestAdminGuard(t *testing.T) {
	cfg := AdminConfig{Token: "admin-token", TOTPSecret: testTOTPSecret}
	handler := AdminGuard(cfg, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	code, err := GenerateTOTP(testTOTPSecret, now)
	if err != nil {
		t.Fatalf("GenerateTOTP: %v", err)
	}

	tests := []struct {
		name       string
		token      string
		totp       string
		wantStatus int
	}{
		{"valid", "admin-token", code, http.StatusOK},
		{"wrong token", "nope", code, http.StatusForbidden},
		{"missing token", "", code, http.StatusForbidden},
		{"wrong totp", "admin-token", "000000", http.StatusForbidden},
		{"missing totp", "admin-token", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/rotate-key", nil)
			if tt.token != "" {
				req.Header.Set("x-admin-token", tt.token)
			}
			if tt.totp != "" {
				req.Header.Set("x-admin-totp", tt.totp)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestAdminGuardUnconfigured(t *testing.T) {
	handler := AdminGuard(AdminConfig{}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/admin/rotate-key", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when admin surface is unconfigured", rec.Code)
	}
}
