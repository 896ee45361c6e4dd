package verifiers

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// EVMVerifier verifies EIP-191 personal-sign signatures for every
// Ethereum-style chain.
type EVMVerifier struct{}

// NewEVMVerifier returns the shared EVM-family verifier.
func NewEVMVerifier() *EVMVerifier {
	return &EVMVerifier{}
}

// Verify recovers the signing address from the signature and compares it
// to the sender.
func (v *EVMVerifier) Verify(_ context.Context, msg *types.PendingMessage) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(*msg.Signature, "0x"))
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if len(sig) != crypto.SignatureLength {
		return errors.Wrapf(types.ErrInvalidSignature, "signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}

	// Wallets emit the recovery id as 27/28.
	recovery := sig[crypto.RecoveryIDOffset]
	if recovery >= 27 {
		recovery -= 27
	}
	if recovery > 1 {
		return errors.Wrap(types.ErrInvalidSignature, "invalid recovery id")
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	normalized[crypto.RecoveryIDOffset] = recovery

	pub, err := crypto.SigToPub(personalSignHash(VerificationBuffer(msg)), normalized)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	address := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(address.Hex(), msg.Sender) {
		return errors.Wrapf(types.ErrInvalidSignature, "recovered %s, expected %s", address.Hex(), msg.Sender)
	}
	return nil
}

// personalSignHash wraps the buffer in the EIP-191 prefix and hashes it
// the way eth_sign does.
func personalSignHash(data []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256([]byte(prefixed))
}
