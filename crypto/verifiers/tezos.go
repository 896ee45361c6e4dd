package verifiers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/aleph-im/aleph-node/types"
)

// Micheline signatures default to this dApp identifier when the wallet
// does not send one.
const defaultTezosDappURL = "aleph.im"

// Base58check prefixes of the Tezos key material formats.
var (
	tezosPrefixEdpk  = []byte{13, 15, 37, 217}
	tezosPrefixSppk  = []byte{3, 254, 226, 86}
	tezosPrefixP2pk  = []byte{3, 178, 139, 127}
	tezosPrefixTz1   = []byte{6, 161, 159}
	tezosPrefixTz2   = []byte{6, 161, 161}
	tezosPrefixTz3   = []byte{6, 161, 164}
	tezosPrefixEdsig = []byte{9, 245, 205, 134, 18}
	tezosPrefixSpsig = []byte{13, 115, 101, 19, 63}
	tezosPrefixSig   = []byte{4, 130, 43}
)

// TezosVerifier checks signatures from Tezos wallets, both raw signatures
// and the Micheline-packed variant produced by web wallets.
type TezosVerifier struct{}

// NewTezosVerifier returns a Tezos verifier.
func NewTezosVerifier() *TezosVerifier {
	return &TezosVerifier{}
}

type tezosSignature struct {
	Signature   string `json:"signature"`
	PublicKey   string `json:"publicKey"`
	SigningType string `json:"signingType"`
	DappURL     string `json:"dAppUrl"`
}

// Verify checks that the sender is the hash of the embedded public key and
// that the signature covers the (possibly Micheline-packed) buffer.
func (v *TezosVerifier) Verify(_ context.Context, msg *types.PendingMessage) error {
	var sig tezosSignature
	if err := json.Unmarshal([]byte(*msg.Signature), &sig); err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if sig.Signature == "" || sig.PublicKey == "" {
		return errors.Wrap(types.ErrInvalidSignature, "missing signature or publicKey")
	}

	keyPrefix, keyBytes, err := decodeBase58Check(sig.PublicKey, tezosPrefixEdpk, tezosPrefixSppk, tezosPrefixP2pk)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	address, err := tezosAddress(keyPrefix, keyBytes)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if address != msg.Sender {
		return errors.Wrapf(types.ErrInvalidSignature, "sender %s does not match public key hash %s", msg.Sender, address)
	}

	_, sigBytes, err := decodeBase58Check(sig.Signature, tezosPrefixEdsig, tezosPrefixSpsig, tezosPrefixSig)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	buffer := VerificationBuffer(msg)
	switch sig.SigningType {
	case "", "raw":
	case "micheline":
		dappURL := sig.DappURL
		if dappURL == "" {
			dappURL = defaultTezosDappURL
		}
		buffer = michelineBuffer(buffer, msg.Time, dappURL)
	default:
		return errors.Wrapf(types.ErrInvalidSignature, "unsupported signing type %q", sig.SigningType)
	}

	digest := blake2b.Sum256(buffer)

	switch {
	case bytes.Equal(keyPrefix, tezosPrefixEdpk):
		if len(keyBytes) != ed25519.PublicKeySize {
			return errors.Wrap(types.ErrInvalidSignature, "bad ed25519 public key length")
		}
		if !ed25519.Verify(ed25519.PublicKey(keyBytes), digest[:], sigBytes) {
			return errors.Wrap(types.ErrInvalidSignature, "ed25519 verification failed")
		}
	case bytes.Equal(keyPrefix, tezosPrefixSppk):
		if err := verifySecp256k1Compact(keyBytes, digest[:], sigBytes); err != nil {
			return err
		}
	default:
		return errors.Wrap(types.ErrInvalidSignature, "p256 keys are not supported")
	}
	return nil
}

// michelineBuffer packs the buffer the way Beacon-style web wallets do
// before signing: a Micheline string expression wrapping
// "Tezos Signed Message: <dapp> <timestamp> <buffer>".
func michelineBuffer(buffer []byte, msgTime time.Time, dappURL string) []byte {
	timestamp := msgTime.UTC().Format("2006-01-02T15:04:05.000Z")
	payload := bytes.Join([][]byte{
		[]byte("Tezos Signed Message:"),
		[]byte(dappURL),
		[]byte(timestamp),
		buffer,
	}, []byte(" "))
	sizeStr := fmt.Sprintf("%d", len(hex.EncodeToString(payload)))

	out := []byte{0x05, 0x01, 0x00}
	out = append(out, []byte(sizeStr)...)
	return append(out, payload...)
}

// tezosAddress derives the tz1/tz2/tz3 address of a public key.
func tezosAddress(keyPrefix, keyBytes []byte) (string, error) {
	var addrPrefix []byte
	switch {
	case bytes.Equal(keyPrefix, tezosPrefixEdpk):
		addrPrefix = tezosPrefixTz1
	case bytes.Equal(keyPrefix, tezosPrefixSppk):
		addrPrefix = tezosPrefixTz2
	case bytes.Equal(keyPrefix, tezosPrefixP2pk):
		addrPrefix = tezosPrefixTz3
	default:
		return "", errors.New("unknown public key prefix")
	}
	hash, err := blake2b.New(20, nil)
	if err != nil {
		return "", err
	}
	hash.Write(keyBytes)
	return encodeBase58Check(addrPrefix, hash.Sum(nil)), nil
}

// verifySecp256k1Compact verifies a 64-byte r||s signature over digest.
func verifySecp256k1Compact(pubKeyBytes, digest, sig []byte) error {
	if len(sig) != 64 {
		return errors.Wrapf(types.ErrInvalidSignature, "signature is %d bytes, want 64", len(sig))
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return errors.Wrap(types.ErrInvalidSignature, "signature r overflow")
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return errors.Wrap(types.ErrInvalidSignature, "signature s overflow")
	}
	if !btcecdsa.NewSignature(&r, &s).Verify(digest, pubKey) {
		return errors.Wrap(types.ErrInvalidSignature, "secp256k1 verification failed")
	}
	return nil
}

// decodeBase58Check decodes a base58check string, returning the matched
// prefix and the payload without prefix and checksum.
func decodeBase58Check(encoded string, prefixes ...[]byte) ([]byte, []byte, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) < 5 {
		return nil, nil, errors.New("base58check string too short")
	}
	payload, checksum := raw[:len(raw)-4], raw[len(raw)-4:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(checksum, second[:4]) {
		return nil, nil, errors.New("base58check checksum mismatch")
	}
	for _, prefix := range prefixes {
		if bytes.HasPrefix(payload, prefix) {
			return prefix, payload[len(prefix):], nil
		}
	}
	return nil, nil, errors.New("unknown base58check prefix")
}

// encodeBase58Check encodes prefix+payload with a double-sha256 checksum.
func encodeBase58Check(prefix, payload []byte) string {
	data := append(append([]byte{}, prefix...), payload...)
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(data, second[:4]...))
}
