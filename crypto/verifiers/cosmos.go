package verifiers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160"

	"github.com/aleph-im/aleph-node/types"
)

// CosmosVerifier checks secp256k1 signatures from Cosmos SDK wallets. The
// wallet signs an amino sign-doc wrapping the verification buffer.
type CosmosVerifier struct{}

// NewCosmosVerifier returns a Cosmos verifier.
func NewCosmosVerifier() *CosmosVerifier {
	return &CosmosVerifier{}
}

type cosmosSignature struct {
	PubKey struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"pub_key"`
	Signature string `json:"signature"`
}

// Verify rebuilds the sign-doc, checks the bech32 address against the
// sender and verifies the signature.
func (v *CosmosVerifier) Verify(_ context.Context, msg *types.PendingMessage) error {
	var sig cosmosSignature
	if err := json.Unmarshal([]byte(*msg.Signature), &sig); err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if sig.PubKey.Type != "tendermint/PubKeySecp256k1" {
		return errors.Wrapf(types.ErrInvalidSignature, "unsupported key type %q", sig.PubKey.Type)
	}

	pubKey, err := base64.StdEncoding.DecodeString(sig.PubKey.Value)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	sigCompact, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}

	hrp, _, found := strings.Cut(msg.Sender, "1")
	if !found || hrp == "" {
		return errors.Wrap(types.ErrInvalidSignature, "sender is not a bech32 address")
	}
	address, err := cosmosAddress(pubKey, hrp)
	if err != nil {
		return errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	if address != msg.Sender {
		return errors.Wrapf(types.ErrInvalidSignature, "recovered %s, expected %s", address, msg.Sender)
	}

	signDoc, err := cosmosSignDoc(msg)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(signDoc)
	return verifySecp256k1Compact(pubKey, digest[:], sigCompact)
}

// cosmosSignDoc builds the canonical amino JSON sign-doc: compact, with
// sorted keys, wrapping the buffer in a MsgSignText.
func cosmosSignDoc(msg *types.PendingMessage) ([]byte, error) {
	doc := map[string]interface{}{
		"account_number": "0",
		"chain_id":       "signed-message-v1",
		"fee": map[string]interface{}{
			"amount": []interface{}{},
			"gas":    "0",
		},
		"memo": "",
		"msgs": []interface{}{
			map[string]interface{}{
				"type": "signutil/MsgSignText",
				"value": map[string]interface{}{
					"message": string(VerificationBuffer(msg)),
					"signer":  msg.Sender,
				},
			},
		},
		"sequence": "0",
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidSignature, err.Error())
	}
	return raw, nil
}

// cosmosAddress derives the bech32 account address of a compressed public
// key.
func cosmosAddress(pubKey []byte, hrp string) (string, error) {
	sha := sha256.Sum256(pubKey)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	converted, err := bech32.ConvertBits(ripe.Sum(nil), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, converted)
}
