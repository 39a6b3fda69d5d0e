package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeypairSignerRoundTrip(t *testing.T) {
	ctx := context.Background()
	signer, keyHex, err := GenerateKeypairSigner()
	require.NoError(t, err)

	again, err := NewKeypairSigner("0x" + keyHex)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), again.Address())

	payload, err := SigningPayload(payoutIntent(7200), "payout:p1:n1")
	require.NoError(t, err)
	signed, err := signer.Sign(ctx, payload)
	require.NoError(t, err)
	require.NoError(t, VerifySignedTx(ctx, payload, signed))

	tampered, err := SigningPayload(payoutIntent(7201), "payout:p1:n1")
	require.NoError(t, err)
	assert.Error(t, VerifySignedTx(ctx, tampered, signed))
}

func TestSigningPayloadIsCanonical(t *testing.T) {
	a := Intent{Kind: "payout", From: "x", To: "y", Amount: decimal.RequireFromString("7200.00"), Memo: map[string]string{"b": "2", "a": "1"}}
	p1, err := SigningPayload(a, "tok")
	require.NoError(t, err)
	p2, err := SigningPayload(a, "tok")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Contains(t, string(p1), `"memo":{"a":"1","b":"2"}`)
}

func TestNewKeypairSignerRejectsBadKeys(t *testing.T) {
	_, err := NewKeypairSigner("zz")
	assert.Error(t, err)
	_, err = NewKeypairSigner("abcd")
	assert.Error(t, err)
}
