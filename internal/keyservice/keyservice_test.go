package keyservice

import (
	"bytes"
	"context"
	"testing"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"local with secret", Config{Backend: BackendLocal, LocalSecret: "s3cret"}, false},
		{"local missing secret", Config{Backend: BackendLocal}, true},
		{"unknown backend", Config{Backend: "vault", LocalSecret: "x"}, true},
		{"empty backend", Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultKeyVersion(t *testing.T) {
	svc, err := New(Config{Backend: BackendLocal, LocalSecret: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := svc.KeyVersion(); got != "v1" {
		t.Errorf("KeyVersion() = %q, want v1", got)
	}
}

func TestSignerDeterministic(t *testing.T) {
	svc, err := New(Config{Backend: BackendLocal, KeyVersion: "v1", LocalSecret: "master"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	signer, err := svc.Signer(context.Background())
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	a, err := signer.SignHMACSHA256(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b, err := signer.SignHMACSHA256(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same input produced different signatures")
	}
	c, err := signer.SignHMACSHA256(context.Background(), []byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Error("different inputs produced identical signatures")
	}
}

func TestSignerCached(t *testing.T) {
	svc, err := New(Config{Backend: BackendLocal, LocalSecret: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, _ := svc.Signer(context.Background())
	second, _ := svc.Signer(context.Background())
	if first != second {
		t.Error("Signer did not return the cached adapter")
	}
	svc.Reset()
	third, _ := svc.Signer(context.Background())
	if third == first {
		t.Error("Reset did not drop the cached adapter")
	}
}

func TestRotateChangesSignatures(t *testing.T) {
	svc, err := New(Config{Backend: BackendLocal, KeyVersion: "v1", LocalSecret: "master"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s1, _ := svc.Signer(context.Background())
	sig1, _ := s1.SignHMACSHA256(context.Background(), []byte("device-42"))

	if err := svc.Rotate("v2"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if got := svc.KeyVersion(); got != "v2" {
		t.Errorf("KeyVersion() after rotate = %q, want v2", got)
	}
	s2, _ := svc.Signer(context.Background())
	sig2, _ := s2.SignHMACSHA256(context.Background(), []byte("device-42"))
	if bytes.Equal(sig1, sig2) {
		t.Error("rotation did not change derived signatures")
	}
	if s2.KeyVersion() != "v2" {
		t.Errorf("signer KeyVersion = %q, want v2", s2.KeyVersion())
	}
}

func TestRotateRejectsEmptyVersion(t *testing.T) {
	svc, err := New(Config{Backend: BackendLocal, LocalSecret: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Rotate(""); err == nil {
		t.Error("Rotate(\"\") succeeded, want error")
	}
}
