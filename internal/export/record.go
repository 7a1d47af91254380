package export

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Record is the only telemetry representation allowed to cross the export
// boundary. It never contains the raw device identifier.
type Record struct {
	DidPseudo  string                 `json:"didPseudo"`
	Seq        int64                  `json:"seq"`
	Timestamp  string                 `json:"timestamp"`
	Metrics    map[string]interface{} `json:"metrics"`
	KeyVersion string                 `json:"keyVersion"`
}

// batchBody is the canonical wire shape of one export batch. Field order is
// fixed by the struct so the checksum and signature are computed over stable
// bytes.
type batchBody struct {
	BatchID string   `json:"batchId"`
	Count   int      `json:"count"`
	Records []Record `json:"records"`
}

// loadSigningKey reads an Ed25519 private key from a PKCS#8 PEM file.
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing key %s: no PEM block", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s: not an Ed25519 key", path)
	}
	return key, nil
}
