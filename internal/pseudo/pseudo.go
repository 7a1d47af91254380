// Package pseudo derives stable pseudonymous device tokens and owns the
// raw-to-pseudonym mapping. No other package may read or log the raw device
// identifier once a mapping exists.
package pseudo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/szibis/telemetry-gate/internal/keyservice"
)

// DefaultTokenLength is the truncation applied to the base64url-encoded HMAC.
const DefaultTokenLength = 22

// maxCollisionAttempts bounds the suffix search before giving up.
const maxCollisionAttempts = 1024

// suffixAlphabet is the 32-symbol alphabet used to derive the two-character
// collision suffix deterministically from the collision counter.
const suffixAlphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// ErrEmptyDeviceID is returned when pseudonymization is asked for an empty raw ID.
var ErrEmptyDeviceID = errors.New("empty device id")

// ErrCollisionRetriesExceeded is returned when no free pseudonym was found
// within the bounded suffix attempts.
var ErrCollisionRetriesExceeded = errors.New("collision_retries_exceeded")

// Pseudonym is the derived token plus the key version that produced it.
type Pseudonym struct {
	DidPseudo  string
	KeyVersion string
}

// Pseudonymizer derives tokens via the key service.
type Pseudonymizer struct {
	keys   *keyservice.Service
	length int
}

// New returns a Pseudonymizer truncating tokens to length (DefaultTokenLength
// when <= 0).
func New(keys *keyservice.Service, length int) *Pseudonymizer {
	if length <= 0 {
		length = DefaultTokenLength
	}
	return &Pseudonymizer{keys: keys, length: length}
}

// Pseudonymize computes HMAC-SHA256 over the raw device ID, base64url-encodes
// it without padding, and truncates to the configured length. Deterministic
// for a given (raw ID, key version) pair.
func (p *Pseudonymizer) Pseudonymize(ctx context.Context, deviceIDRaw string) (Pseudonym, error) {
	if deviceIDRaw == "" {
		return Pseudonym{}, ErrEmptyDeviceID
	}
	signer, err := p.keys.Signer(ctx)
	if err != nil {
		return Pseudonym{}, fmt.Errorf("key service: %w", err)
	}
	mac, err := signer.SignHMACSHA256(ctx, []byte("did:"+deviceIDRaw))
	if err != nil {
		return Pseudonym{}, fmt.Errorf("sign device id: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(mac)
	if len(token) > p.length {
		token = token[:p.length]
	}
	return Pseudonym{DidPseudo: token, KeyVersion: signer.KeyVersion()}, nil
}

// CollisionSuffix derives the two-character suffix for a collision counter.
// Counter 0 means no suffix; counters 1..1023 map to distinct suffixes.
func CollisionSuffix(counter int) string {
	if counter <= 0 {
		return ""
	}
	return string([]byte{
		suffixAlphabet[(counter>>5)&31],
		suffixAlphabet[counter&31],
	})
}
