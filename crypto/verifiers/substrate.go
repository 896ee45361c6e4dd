package verifiers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/ChainSafe/go-schnorrkel"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/aleph-im/aleph-node/types"
)

// SubstrateVerifier checks sr25519 signatures against SS58 sender
// addresses.
type SubstrateVerifier struct{}

// NewSubstrateVerifier returns a Substrate verifier.
func NewSubstrateVerifier() *SubstrateVerifier {
	return &SubstrateVerifier{}
}

type substrateSignature struct {
	Curve string `json:"curve"`
	Data  string `json:"data"`
}

// Verify checks the sr25519 signature over the buffer, accepting both the
// bare buffer and the <Bytes> wrapping some wallets add.
func (v *SubstrateVerifier) Verify(_ context.Context, msg *types.PendingMessage) error {
	var sig substrateSignature
	if err := json.Unmarshal([]byte(*msg.Signature), &sig); err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if sig.Curve != "" && sig.Curve != "sr25519" {
		return errors.Wrapf(types.ErrInvalidSignature, "unsupported curve %q", sig.Curve)
	}

	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sig.Data, "0x"))
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if len(sigBytes) != 64 {
		return errors.Wrapf(types.ErrInvalidSignature, "signature is %d bytes, want 64", len(sigBytes))
	}

	pubKeyBytes, err := ss58PublicKey(msg.Sender)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	var pubKeyRaw [32]byte
	copy(pubKeyRaw[:], pubKeyBytes)
	pubKey := &schnorrkel.PublicKey{}
	if err := pubKey.Decode(pubKeyRaw); err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	var sigRaw [64]byte
	copy(sigRaw[:], sigBytes)
	signature := &schnorrkel.Signature{}
	if err := signature.Decode(sigRaw); err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	buffer := VerificationBuffer(msg)
	if substrateVerify(pubKey, signature, buffer) {
		return nil
	}
	// Browser wallets sign the payload wrapped in <Bytes> markers.
	wrapped := append(append([]byte("<Bytes>"), buffer...), []byte("</Bytes>")...)
	if substrateVerify(pubKey, signature, wrapped) {
		return nil
	}
	return errors.Wrap(types.ErrInvalidSignature, "sr25519 verification failed")
}

func substrateVerify(pubKey *schnorrkel.PublicKey, sig *schnorrkel.Signature, message []byte) bool {
	ctx := schnorrkel.NewSigningContext([]byte("substrate"), message)
	ok, err := pubKey.Verify(sig, ctx)
	return err == nil && ok
}

// ss58PublicKey extracts the 32-byte public key from an SS58 address and
// validates its checksum.
func ss58PublicKey(address string) ([]byte, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, err
	}

	var prefixLen int
	switch {
	case len(raw) == 35 && raw[0] < 64:
		prefixLen = 1
	case len(raw) == 36:
		prefixLen = 2
	default:
		return nil, errors.Errorf("unsupported SS58 address length %d", len(raw))
	}
	body, checksum := raw[:len(raw)-2], raw[len(raw)-2:]

	hasher, err := blake2b.New512(nil)
	if err != nil {
		return nil, err
	}
	hasher.Write([]byte("SS58PRE"))
	hasher.Write(body)
	digest := hasher.Sum(nil)
	if digest[0] != checksum[0] || digest[1] != checksum[1] {
		return nil, errors.New("SS58 checksum mismatch")
	}
	return body[prefixLen:], nil
}
