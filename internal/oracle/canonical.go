package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"harvestline/internal/domain"
)

// signedFields is the subset of an attestation covered by the signature.
type signedFields struct {
	PolicyID    string          `json:"policy_id"`
	EventType   string          `json:"event_type"`
	Measurement json.RawMessage `json:"measurement"`
	Timestamp   string          `json:"timestamp"`
	OracleKeyID string          `json:"oracle_key_id"`
}

// CanonicalPayload returns the RFC 8785 encoding of the signed fields.
// Timestamps are normalised to UTC RFC 3339 so the same instant always
// hashes the same.
func CanonicalPayload(att domain.OracleAttestation) ([]byte, error) {
	measurement := att.Measurement
	if len(measurement) == 0 {
		measurement = json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(signedFields{
		PolicyID:    att.PolicyID,
		EventType:   att.EventType,
		Measurement: measurement,
		Timestamp:   att.Timestamp.UTC().Format(time.RFC3339Nano),
		OracleKeyID: att.OracleKeyID,
	})
	if err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize attestation: %w", err)
	}
	return out, nil
}

// Nonce is the sha256 hex digest of the canonical payload.
func Nonce(att domain.OracleAttestation) (string, error) {
	payload, err := CanonicalPayload(att)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
