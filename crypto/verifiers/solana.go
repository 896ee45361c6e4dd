package verifiers

import (
	"context"
	"crypto/ed25519"
	"encoding/json"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// SolanaVerifier checks ed25519 signatures from Solana wallets. The
// signature field is itself a JSON object carrying the base58 signature
// and public key.
type SolanaVerifier struct{}

// NewSolanaVerifier returns a Solana verifier.
func NewSolanaVerifier() *SolanaVerifier {
	return &SolanaVerifier{}
}

type solanaSignature struct {
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
	Version   *int   `json:"version"`
}

// Verify checks that the public key matches the sender and that the
// ed25519 signature covers the verification buffer.
func (v *SolanaVerifier) Verify(_ context.Context, msg *types.PendingMessage) error {
	var sig solanaSignature
	if err := json.Unmarshal([]byte(*msg.Signature), &sig); err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if sig.Version != nil && *sig.Version != 1 {
		return errors.Wrapf(types.ErrInvalidSignature, "unsupported signature version %d", *sig.Version)
	}
	if sig.PublicKey != msg.Sender {
		return errors.Wrap(types.ErrInvalidSignature, "public key does not match sender")
	}

	sigData, err := base58.Decode(sig.Signature)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	pubKey, err := base58.Decode(sig.PublicKey)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return errors.Wrapf(types.ErrInvalidSignature, "public key is %d bytes", len(pubKey))
	}

	if !ed25519.Verify(ed25519.PublicKey(pubKey), VerificationBuffer(msg), sigData) {
		return errors.Wrap(types.ErrInvalidSignature, "ed25519 verification failed")
	}
	return nil
}
