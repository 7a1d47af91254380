// Package keyservice abstracts the keyed signing backend used for device
// authentication, pseudonymization, and IP hashing. Exactly one adapter is
// active per process; it is constructed lazily and cached until a rotation
// clears it.
package keyservice

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"
)

// Signer performs keyed signing without exposing raw key material.
// Implementations may suspend on network I/O.
type Signer interface {
	SignHMACSHA256(ctx context.Context, data []byte) ([]byte, error)
	KeyVersion() string
}

// Backend identifies a signing backend implementation.
type Backend string

const (
	// BackendLocal computes HMACs in-process from a configured secret.
	// Deterministic; intended for development and tests.
	BackendLocal Backend = "local"
)

// Config selects and configures the signing backend.
type Config struct {
	// Backend selects the adapter implementation.
	Backend Backend
	// KeyVersion is the initially active key version.
	KeyVersion string
	// LocalSecret is the master secret for the local backend.
	LocalSecret string
}

// Service owns the active signing adapter. Construction validates that the
// selected backend has its required credentials so a misconfigured process
// fails at startup, not on the first request.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	version string
	signer  Signer
}

// New validates the configuration and returns a Service. The adapter itself
// is not constructed until the first Signer call.
func New(cfg Config) (*Service, error) {
	switch cfg.Backend {
	case BackendLocal:
		if cfg.LocalSecret == "" {
			return nil, fmt.Errorf("key backend %q requires a secret", cfg.Backend)
		}
	default:
		return nil, fmt.Errorf("unknown key backend %q", cfg.Backend)
	}
	version := cfg.KeyVersion
	if version == "" {
		version = "v1"
	}
	return &Service{cfg: cfg, version: version}, nil
}

// Signer returns the cached adapter, constructing it on first use.
func (s *Service) Signer(ctx context.Context) (Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signer != nil {
		return s.signer, nil
	}
	signer, err := s.build(ctx)
	if err != nil {
		return nil, err
	}
	s.signer = signer
	return signer, nil
}

func (s *Service) build(_ context.Context) (Signer, error) {
	switch s.cfg.Backend {
	case BackendLocal:
		return newLocalSigner(s.cfg.LocalSecret, s.version), nil
	default:
		return nil, fmt.Errorf("unknown key backend %q", s.cfg.Backend)
	}
}

// KeyVersion returns the currently active key version.
func (s *Service) KeyVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Rotate schedules a new key version: the cached adapter is dropped and the
// next Signer call reconstructs it against the new version.
func (s *Service) Rotate(version string) error {
	if version == "" {
		return fmt.Errorf("rotation requires a key version")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	s.signer = nil
	return nil
}

// Reset drops the cached adapter without changing the version. The next
// Signer call reconstructs it.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = nil
}

// localSigner is the reference in-process adapter. The per-version key is
// derived from the master secret so rotating the version changes every
// derived signature deterministically.
type localSigner struct {
	key     []byte
	version string
}

func newLocalSigner(secret, version string) *localSigner {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("key:" + version))
	return &localSigner{key: mac.Sum(nil), version: version}
}

func (l *localSigner) SignHMACSHA256(_ context.Context, data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, l.key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

func (l *localSigner) KeyVersion() string {
	return l.version
}
