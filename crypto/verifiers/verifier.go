// Package verifiers implements per-chain signature verification for
// pending messages. Each chain family checks a signature over the same
// canonical buffer; a registry dispatches on the message chain.
package verifiers

import (
	"context"
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/types"
)

var log = logrus.WithField("prefix", "verifiers")

// Verifier checks the signature of one pending message. Implementations
// must be safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, msg *types.PendingMessage) error
}

// VerificationBuffer is the canonical byte string every chain signs:
// chain, sender, item type and item hash joined by newlines.
func VerificationBuffer(msg *types.PendingMessage) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%s\n%s", msg.Chain, msg.Sender, msg.ItemType, msg.ItemHash))
}

const verifiedCacheSize = 16384

// SignatureVerifier routes messages to the verifier of their chain and
// memoizes successful checks, so confirmations of an already verified
// message skip the curve math.
type SignatureVerifier struct {
	verifiers map[types.Chain]Verifier
	verified  *lru.Cache[[32]byte, struct{}]
}

// NewSignatureVerifier builds the default registry covering every
// supported chain.
func NewSignatureVerifier() *SignatureVerifier {
	cache, err := lru.New[[32]byte, struct{}](verifiedCacheSize)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}

	verifiers := make(map[types.Chain]Verifier)
	evm := NewEVMVerifier()
	for _, chain := range types.EvmChains {
		verifiers[chain] = evm
	}
	verifiers[types.ChainSolana] = NewSolanaVerifier()
	verifiers[types.ChainTezos] = NewTezosVerifier()
	verifiers[types.ChainSubstrate] = NewSubstrateVerifier()
	verifiers[types.ChainCosmos] = NewCosmosVerifier()
	verifiers[types.ChainNuls2] = NewNuls2Verifier()
	verifiers[types.ChainAvalanche] = NewAvalancheVerifier()

	return &SignatureVerifier{verifiers: verifiers, verified: cache}
}

// VerifySignature checks the message signature, failing with an
// InvalidMessageFormat error for unsupported chains and InvalidSignature
// when the check fails.
func (sv *SignatureVerifier) VerifySignature(ctx context.Context, msg *types.PendingMessage) error {
	verifier, ok := sv.verifiers[msg.Chain]
	if !ok {
		return errors.Wrapf(types.ErrInvalidFormat, "unsupported chain %q", msg.Chain)
	}
	if msg.Signature == nil || *msg.Signature == "" {
		return errors.Wrap(types.ErrInvalidSignature, "missing signature")
	}

	key := cacheKey(msg)
	if _, ok := sv.verified.Get(key); ok {
		return nil
	}

	if err := verifier.Verify(ctx, msg); err != nil {
		log.WithFields(logrus.Fields{
			"item_hash": msg.ItemHash,
			"chain":     msg.Chain,
			"sender":    msg.Sender,
		}).WithError(err).Warn("Signature verification failed")
		return err
	}

	sv.verified.Add(key, struct{}{})
	return nil
}

func cacheKey(msg *types.PendingMessage) [32]byte {
	h := sha256.New()
	h.Write([]byte(msg.Chain))
	h.Write([]byte{0})
	h.Write([]byte(msg.Sender))
	h.Write([]byte{0})
	h.Write([]byte(*msg.Signature))
	h.Write([]byte{0})
	h.Write([]byte(msg.ItemHash))
	var key [32]byte
	h.Sum(key[:0])
	return key
}
