package verifiers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160"

	"github.com/aleph-im/aleph-node/types"
)

// avalancheMessagePrefix is the header wallets prepend before hashing, the
// AVAX equivalent of the Ethereum personal-sign prefix.
var avalancheMessagePrefix = []byte("\x1aAvalanche Signed Message:\n")

// AvalancheVerifier recovers the signing key from a CB58 signature and
// compares the derived X-chain address to the sender.
type AvalancheVerifier struct{}

// NewAvalancheVerifier returns an Avalanche verifier.
func NewAvalancheVerifier() *AvalancheVerifier {
	return &AvalancheVerifier{}
}

// Verify checks the signature over the packed verification buffer.
func (v *AvalancheVerifier) Verify(_ context.Context, msg *types.PendingMessage) error {
	chainID, hrp, err := avalancheChainInfo(msg.Sender)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	sig, err := decodeCB58(*msg.Signature)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if len(sig) != 65 {
		return errors.Wrapf(types.ErrInvalidSignature, "signature is %d bytes, want 65", len(sig))
	}

	digest := sha256.Sum256(packAvalancheMessage(VerificationBuffer(msg)))

	// RecoverCompact wants the recovery header first; wallets put it last.
	compact := make([]byte, 65)
	compact[0] = 27 + 4 + sig[64]
	copy(compact[1:], sig[:64])
	pubKey, _, err := btcecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	address, err := avalancheAddress(chainID, hrp, pubKey.SerializeCompressed())
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if address != msg.Sender {
		return errors.Wrapf(types.ErrInvalidSignature, "recovered %s, expected %s", address, msg.Sender)
	}
	return nil
}

// packAvalancheMessage prepends the signed-message header and the
// big-endian length of the payload.
func packAvalancheMessage(buffer []byte) []byte {
	out := make([]byte, 0, len(avalancheMessagePrefix)+4+len(buffer))
	out = append(out, avalancheMessagePrefix...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(buffer)))
	return append(out, buffer...)
}

// avalancheChainInfo splits an address like X-avax1... into its chain
// alias and bech32 prefix.
func avalancheChainInfo(address string) (string, string, error) {
	chainID, rest, found := strings.Cut(address, "-")
	if !found {
		return "", "", errors.New("address has no chain prefix")
	}
	hrp, _, found := strings.Cut(rest, "1")
	if !found || hrp == "" {
		return "", "", errors.New("address is not bech32")
	}
	return chainID, hrp, nil
}

// avalancheAddress derives the bech32 address of a compressed public key.
func avalancheAddress(chainID, hrp string, pubKey []byte) (string, error) {
	sha := sha256.Sum256(pubKey)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	converted, err := bech32.ConvertBits(ripe.Sum(nil), 8, 5, true)
	if err != nil {
		return "", err
	}
	encoded, err := bech32.Encode(hrp, converted)
	if err != nil {
		return "", err
	}
	return chainID + "-" + encoded, nil
}

// decodeCB58 decodes base58 with a trailing 4-byte sha256 checksum.
func decodeCB58(encoded string) ([]byte, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, errors.New("value too short")
	}
	payload, checksum := raw[:len(raw)-4], raw[len(raw)-4:]
	digest := sha256.Sum256(payload)
	if !bytes.Equal(digest[len(digest)-4:], checksum) {
		return nil, errors.New("checksum mismatch")
	}
	return payload, nil
}
