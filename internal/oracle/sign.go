package oracle

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/hyperledger/firefly-signer/pkg/secp256k1"

	"harvestline/internal/domain"
)

// AttestationSigner produces oracle signatures. It backs the oracle CLI and
// test fixtures; production oracles sign out of process.
type AttestationSigner interface {
	KeyID() string
	Sign(ctx context.Context, att domain.OracleAttestation) (domain.OracleAttestation, error)
}

type Ed25519Signer struct {
	ID   string
	Priv ed25519.PrivateKey
}

func (s Ed25519Signer) KeyID() string { return s.ID }

func (s Ed25519Signer) TrustedKey() TrustedKey {
	pub := s.Priv.Public().(ed25519.PublicKey)
	return TrustedKey{ID: s.ID, Scheme: SchemeEd25519, PublicKey: base64.StdEncoding.EncodeToString(pub)}
}

func (s Ed25519Signer) Sign(_ context.Context, att domain.OracleAttestation) (domain.OracleAttestation, error) {
	att.OracleKeyID = s.ID
	payload, err := CanonicalPayload(att)
	if err != nil {
		return att, err
	}
	digest := sha256.Sum256(payload)
	att.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.Priv, digest[:]))
	return att, nil
}

type Secp256k1Signer struct {
	ID string
	KP *secp256k1.KeyPair
}

func (s Secp256k1Signer) KeyID() string { return s.ID }

func (s Secp256k1Signer) TrustedKey() TrustedKey {
	return TrustedKey{ID: s.ID, Scheme: SchemeSecp256k1, PublicKey: s.KP.Address.String()}
}

func (s Secp256k1Signer) Sign(_ context.Context, att domain.OracleAttestation) (domain.OracleAttestation, error) {
	att.OracleKeyID = s.ID
	payload, err := CanonicalPayload(att)
	if err != nil {
		return att, err
	}
	digest := sha256.Sum256(payload)
	sig, err := s.KP.SignDirect(digest[:])
	if err != nil {
		return att, err
	}
	att.Signature = hex.EncodeToString(sig.CompactRSV())
	return att, nil
}

// GenerateKey creates a key pair for scheme, returning the signer and the
// encoded private key for storage.
func GenerateKey(id, scheme string) (AttestationSigner, TrustedKey, string, error) {
	switch scheme {
	case SchemeEd25519:
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, TrustedKey{}, "", err
		}
		s := Ed25519Signer{ID: id, Priv: priv}
		return s, s.TrustedKey(), base64.StdEncoding.EncodeToString(priv.Seed()), nil
	case SchemeSecp256k1:
		kp, err := secp256k1.GenerateSecp256k1KeyPair()
		if err != nil {
			return nil, TrustedKey{}, "", err
		}
		s := Secp256k1Signer{ID: id, KP: kp}
		return s, s.TrustedKey(), hex.EncodeToString(kp.PrivateKeyBytes()), nil
	}
	return nil, TrustedKey{}, "", fmt.Errorf("unsupported scheme %q", scheme)
}

// LoadSigner rebuilds a signer from the encoded private key GenerateKey returned.
func LoadSigner(id, scheme, encoded string) (AttestationSigner, error) {
	switch scheme {
	case SchemeEd25519:
		seed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid ed25519 seed")
		}
		return Ed25519Signer{ID: id, Priv: ed25519.NewKeyFromSeed(seed)}, nil
	case SchemeSecp256k1:
		b, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid secp256k1 key: %w", err)
		}
		kp, err := secp256k1.NewSecp256k1KeyPair(b)
		if err != nil {
			return nil, err
		}
		return Secp256k1Signer{ID: id, KP: kp}, nil
	}
	return nil, fmt.Errorf("unsupported scheme %q", scheme)
}
