package verifiers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160"

	"github.com/aleph-im/aleph-node/types"
)

// nulsAddressType marks ordinary accounts in the NULS address format.
const nulsAddressType = 1

// Nuls2Verifier recovers the signing address from a compact recoverable
// signature and compares it to the sender. The chain id is taken from the
// sender address itself, so addresses from any NULS network verify.
type Nuls2Verifier struct{}

// NewNuls2Verifier returns a NULS2 verifier.
func NewNuls2Verifier() *Nuls2Verifier {
	return &Nuls2Verifier{}
}

// Verify checks the base64 compact signature over the buffer.
func (v *Nuls2Verifier) Verify(_ context.Context, msg *types.PendingMessage) error {
	sigRaw, err := base64.StdEncoding.DecodeString(*msg.Signature)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	senderHash, err := nulsAddressHash(msg.Sender)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	chainID := binary.LittleEndian.Uint16(senderHash[:2])

	digest := sha256.Sum256(VerificationBuffer(msg))
	pubKey, _, err := btcecdsa.RecoverCompact(sigRaw, digest[:])
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	address := nulsAddress(chainID, nulsAddressType, pubKey.SerializeCompressed())
	if address != msg.Sender {
		return errors.Wrapf(types.ErrInvalidSignature, "recovered %s, expected %s", address, msg.Sender)
	}
	return nil
}

// nulsAddressHash decodes a NULS2 address string and validates its XOR
// checksum, returning the raw address bytes.
func nulsAddressHash(address string) ([]byte, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, errors.New("address too short")
	}
	body, check := raw[:len(raw)-1], raw[len(raw)-1]
	if xorChecksum(body) != check {
		return nil, errors.New("address checksum mismatch")
	}
	return body, nil
}

// nulsAddress builds the address string of a public key: chain id (LE),
// address type, ripemd160(sha256(pubkey)), plus an XOR checksum byte.
func nulsAddress(chainID uint16, addressType byte, pubKey []byte) string {
	sha := sha256.Sum256(pubKey)
	ripe := ripemd160.New()
	ripe.Write(sha[:])

	body := make([]byte, 0, 23)
	body = binary.LittleEndian.AppendUint16(body, chainID)
	body = append(body, addressType)
	body = append(body, ripe.Sum(nil)...)
	return base58.Encode(append(body, xorChecksum(body)))
}

func xorChecksum(data []byte) byte {
	var out byte
	for _, b := range data {
		out ^= b
	}
	return out
}
