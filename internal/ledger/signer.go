package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"
)

// SignedTx is the blob handed to the ledger alongside the intent.
type SignedTx struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

// Signer is the signing collaborator. It sees the canonical bytes of the
// intent and token and returns a detached signature, or an error when the
// signing party declines.
type Signer interface {
	Sign(ctx context.Context, payload []byte) (SignedTx, error)
}

// KeypairSigner signs with an in-process secp256k1 key.
type KeypairSigner struct {
	kp *secp256k1.KeyPair
}

func NewKeypairSigner(hexKey string) (*KeypairSigner, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signer key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("signer key must be 32 bytes, got %d", len(b))
	}
	kp, err := secp256k1.NewSecp256k1KeyPair(b)
	if err != nil {
		return nil, err
	}
	return &KeypairSigner{kp: kp}, nil
}

// GenerateKeypairSigner creates a signer with a fresh key, returning the hex private key.
func GenerateKeypairSigner() (*KeypairSigner, string, error) {
	kp, err := secp256k1.GenerateSecp256k1KeyPair()
	if err != nil {
		return nil, "", err
	}
	return &KeypairSigner{kp: kp}, hex.EncodeToString(kp.PrivateKeyBytes()), nil
}

func (s *KeypairSigner) Address() string {
	return ethtypes.Address0xHex(s.kp.Address).String()
}

func (s *KeypairSigner) Sign(_ context.Context, payload []byte) (SignedTx, error) {
	digest := sha256.Sum256(payload)
	sig, err := s.kp.SignDirect(digest[:])
	if err != nil {
		return SignedTx{}, err
	}
	return SignedTx{Signer: s.Address(), Signature: hex.EncodeToString(sig.CompactRSV())}, nil
}

// SigningPayload is the canonical (RFC 8785) encoding of intent and token.
func SigningPayload(intent Intent, token string) ([]byte, error) {
	raw, err := json.Marshal(struct {
		Token  string `json:"token"`
		Intent Intent `json:"intent"`
	}{token, intent})
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// VerifySignedTx checks that signed was produced over payload by its claimed signer.
func VerifySignedTx(ctx context.Context, payload []byte, signed SignedTx) error {
	b, err := hex.DecodeString(signed.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := secp256k1.DecodeCompactRSV(ctx, b)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)
	addr, err := sig.RecoverDirect(digest[:], 0)
	if err != nil {
		return err
	}
	if !strings.EqualFold(addr.String(), signed.Signer) {
		return fmt.Errorf("signature recovers to %s, not %s", addr, signed.Signer)
	}
	return nil
}
