package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// totpStep is the RFC 6238 time step.
const totpStep = 30 * time.Second

// totpDigits is the code length.
const totpDigits = 6

// timeNow is swapped in tests.
var timeNow = time.Now

// VerifyTOTP checks an RFC 6238 code against the base32 secret, accepting
// the current step plus one step of clock drift in either direction.
func VerifyTOTP(secret, code string, now time.Time) (bool, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return false, err
	}
	if len(code) != totpDigits {
		return false, nil
	}
	counter := uint64(now.Unix()) / uint64(totpStep.Seconds())
	for _, c := range []uint64{counter - 1, counter, counter + 1} {
		expected := hotp(key, c)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// GenerateTOTP returns the code for now; used by tests and operator tooling.
func GenerateTOTP(secret string, now time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	counter := uint64(now.Unix()) / uint64(totpStep.Seconds())
	return hotp(key, counter), nil
}

func decodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid totp secret: %w", err)
	}
	return key, nil
}

// hotp implements RFC 4226 dynamic truncation over an 8-byte counter.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", value%1000000)
}
