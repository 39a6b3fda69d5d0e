package oracle

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"

	"harvestline/internal/domain"
)

const (
	SchemeEd25519   = "ed25519"
	SchemeSecp256k1 = "secp256k1"
)

// TrustedKey is an oracle key from configuration. Ed25519 keys carry a base64
// public key; secp256k1 keys carry the signer address.
type TrustedKey struct {
	ID        string `yaml:"id" json:"id"`
	Scheme    string `yaml:"scheme" json:"scheme"`
	PublicKey string `yaml:"public_key" json:"public_key"`
}

func (k TrustedKey) Validate() error {
	if strings.TrimSpace(k.ID) == "" {
		return errors.New("oracle key id is required")
	}
	switch k.Scheme {
	case SchemeEd25519:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k.PublicKey))
		if err != nil || len(b) != ed25519.PublicKeySize {
			return fmt.Errorf("oracle key %s: invalid ed25519 public key", k.ID)
		}
	case SchemeSecp256k1:
		if _, err := ethtypes.NewAddress(k.PublicKey); err != nil {
			return fmt.Errorf("oracle key %s: invalid secp256k1 address: %w", k.ID, err)
		}
	default:
		return fmt.Errorf("oracle key %s: unsupported scheme %q", k.ID, k.Scheme)
	}
	return nil
}

// verify checks sig over the canonical payload.
func (k TrustedKey) verify(ctx context.Context, payload []byte, sig string) error {
	digest := sha256.Sum256(payload)
	switch k.Scheme {
	case SchemeEd25519:
		pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k.PublicKey))
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: bad key material for %s", domain.ErrInvalidSignature, k.ID)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig))
		if err != nil || len(raw) != ed25519.SignatureSize {
			return fmt.Errorf("%w: malformed ed25519 signature", domain.ErrInvalidSignature)
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], raw) {
			return fmt.Errorf("%w: ed25519 verification failed for key %s", domain.ErrInvalidSignature, k.ID)
		}
		return nil
	case SchemeSecp256k1:
		want, err := ethtypes.NewAddress(k.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: bad key material for %s", domain.ErrInvalidSignature, k.ID)
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sig), "0x"))
		if err != nil {
			return fmt.Errorf("%w: malformed secp256k1 signature", domain.ErrInvalidSignature)
		}
		decoded, err := secp256k1.DecodeCompactRSV(ctx, raw)
		if err != nil {
			return fmt.Errorf("%w: malformed secp256k1 signature", domain.ErrInvalidSignature)
		}
		got, err := decoded.RecoverDirect(digest[:], 0)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
		}
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			return fmt.Errorf("%w: secp256k1 signer mismatch for key %s", domain.ErrInvalidSignature, k.ID)
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidSignature, k.Scheme)
}

// KeyRing indexes trusted keys by id.
type KeyRing map[string]TrustedKey

func NewKeyRing(keys []TrustedKey) (KeyRing, error) {
	ring := KeyRing{}
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			return nil, err
		}
		if _, dup := ring[k.ID]; dup {
			return nil, fmt.Errorf("duplicate oracle key id %s", k.ID)
		}
		ring[k.ID] = k
	}
	return ring, nil
}
