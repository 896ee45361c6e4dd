package verifiers

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/ChainSafe/go-schnorrkel"
	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/aleph-im/aleph-node/types"
)

func newPendingMessage(chain types.Chain, sender, signature string) *types.PendingMessage {
	return &types.PendingMessage{
		ItemHash:  "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
		Type:      types.MessageTypePost,
		Chain:     chain,
		Sender:    sender,
		Signature: &signature,
		ItemType:  types.ItemTypeStorage,
		Time:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestVerificationBuffer(t *testing.T) {
	msg := newPendingMessage(types.ChainEthereum, "0xdeadbeef", "sig")
	expected := "ETH\n0xdeadbeef\nstorage\n" + msg.ItemHash
	assert.Equal(t, expected, string(VerificationBuffer(msg)))
}

func TestEVMVerifier(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	sender := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	msg := newPendingMessage(types.ChainEthereum, sender, "")
	sig, err := gethcrypto.Sign(personalSignHash(VerificationBuffer(msg)), key)
	require.NoError(t, err)
	sig[64] += 27
	signature := "0x" + hex.EncodeToString(sig)
	msg.Signature = &signature

	verifier := NewEVMVerifier()
	require.NoError(t, verifier.Verify(context.Background(), msg))

	// Another sender must not verify.
	msg.Sender = "0x0000000000000000000000000000000000000001"
	assert.ErrorIs(t, verifier.Verify(context.Background(), msg), types.ErrInvalidSignature)
}

func TestSolanaVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sender := base58.Encode(pub)

	msg := newPendingMessage(types.ChainSolana, sender, "")
	sigData := ed25519.Sign(priv, VerificationBuffer(msg))
	raw, err := json.Marshal(map[string]string{
		"signature": base58.Encode(sigData),
		"publicKey": sender,
	})
	require.NoError(t, err)
	signature := string(raw)
	msg.Signature = &signature

	verifier := NewSolanaVerifier()
	require.NoError(t, verifier.Verify(context.Background(), msg))

	// Tampering with the buffer invalidates the signature.
	msg.ItemHash = "1111111111111111111111111111111111111111111111111111111111111111"
	assert.ErrorIs(t, verifier.Verify(context.Background(), msg), types.ErrInvalidSignature)
}

func signTezos(t *testing.T, msg *types.PendingMessage, priv ed25519.PrivateKey, pub ed25519.PublicKey, signingType string) {
	t.Helper()
	buffer := VerificationBuffer(msg)
	if signingType == "micheline" {
		buffer = michelineBuffer(buffer, msg.Time, defaultTezosDappURL)
	}
	digest := blake2b.Sum256(buffer)
	sigData := ed25519.Sign(priv, digest[:])

	raw, err := json.Marshal(map[string]string{
		"signature":   encodeBase58Check(tezosPrefixEdsig, sigData),
		"publicKey":   encodeBase58Check(tezosPrefixEdpk, pub),
		"signingType": signingType,
	})
	require.NoError(t, err)
	signature := string(raw)
	msg.Signature = &signature
}

func TestTezosVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sender, err := tezosAddress(tezosPrefixEdpk, pub)
	require.NoError(t, err)

	verifier := NewTezosVerifier()
	for _, signingType := range []string{"raw", "micheline"} {
		msg := newPendingMessage(types.ChainTezos, sender, "")
		signTezos(t, msg, priv, pub, signingType)
		require.NoError(t, verifier.Verify(context.Background(), msg), signingType)
	}

	// A different sender address must fail the key-hash check.
	msg := newPendingMessage(types.ChainTezos, sender, "")
	signTezos(t, msg, priv, pub, "raw")
	msg.Sender = "tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb"
	assert.ErrorIs(t, verifier.Verify(context.Background(), msg), types.ErrInvalidSignature)
}

func TestCosmosVerifier(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubKey := priv.PubKey().SerializeCompressed()
	sender, err := cosmosAddress(pubKey, "cosmos")
	require.NoError(t, err)

	msg := newPendingMessage(types.ChainCosmos, sender, "")
	signDoc, err := cosmosSignDoc(msg)
	require.NoError(t, err)
	digest := sha256.Sum256(signDoc)

	sig := btcecdsa.Sign(priv, digest[:])
	r, s := sig.R(), sig.S()
	compact := make([]byte, 64)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(compact[:32], rBytes[:])
	copy(compact[32:], sBytes[:])

	raw, err := json.Marshal(map[string]interface{}{
		"pub_key": map[string]string{
			"type":  "tendermint/PubKeySecp256k1",
			"value": base64.StdEncoding.EncodeToString(pubKey),
		},
		"signature": base64.StdEncoding.EncodeToString(compact),
	})
	require.NoError(t, err)
	signature := string(raw)
	msg.Signature = &signature

	verifier := NewCosmosVerifier()
	require.NoError(t, verifier.Verify(context.Background(), msg))
}

func TestNuls2Verifier(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sender := nulsAddress(1, nulsAddressType, priv.PubKey().SerializeCompressed())

	msg := newPendingMessage(types.ChainNuls2, sender, "")
	digest := sha256.Sum256(VerificationBuffer(msg))
	compact := btcecdsa.SignCompact(priv, digest[:], true)
	signature := base64.StdEncoding.EncodeToString(compact)
	msg.Signature = &signature

	verifier := NewNuls2Verifier()
	require.NoError(t, verifier.Verify(context.Background(), msg))
}

func TestAvalancheVerifier(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sender, err := avalancheAddress("X", "avax", priv.PubKey().SerializeCompressed())
	require.NoError(t, err)

	msg := newPendingMessage(types.ChainAvalanche, sender, "")
	digest := sha256.Sum256(packAvalancheMessage(VerificationBuffer(msg)))
	compact := btcecdsa.SignCompact(priv, digest[:], true)

	// Wallet format: r || s || recovery id, with a CB58 checksum.
	walletSig := make([]byte, 65)
	copy(walletSig[:64], compact[1:])
	walletSig[64] = compact[0] - 27 - 4
	checksum := sha256.Sum256(walletSig)
	signature := base58.Encode(append(walletSig, checksum[28:]...))
	msg.Signature = &signature

	verifier := NewAvalancheVerifier()
	require.NoError(t, verifier.Verify(context.Background(), msg))
}

func ss58Address(pub [32]byte) string {
	body := append([]byte{42}, pub[:]...)
	hasher, _ := blake2b.New512(nil)
	hasher.Write([]byte("SS58PRE"))
	hasher.Write(body)
	digest := hasher.Sum(nil)
	return base58.Encode(append(body, digest[:2]...))
}

func TestSubstrateVerifier(t *testing.T) {
	privKey, pubKey, err := schnorrkel.GenerateKeypair()
	require.NoError(t, err)
	pubBytes := pubKey.Encode()
	sender := ss58Address(pubBytes)

	msg := newPendingMessage(types.ChainSubstrate, sender, "")
	ctx := schnorrkel.NewSigningContext([]byte("substrate"), VerificationBuffer(msg))
	sig, err := privKey.Sign(ctx)
	require.NoError(t, err)
	sigBytes := sig.Encode()

	raw, err := json.Marshal(map[string]string{
		"curve": "sr25519",
		"data":  "0x" + hex.EncodeToString(sigBytes[:]),
	})
	require.NoError(t, err)
	signature := string(raw)
	msg.Signature = &signature

	verifier := NewSubstrateVerifier()
	require.NoError(t, verifier.Verify(context.Background(), msg))
}

func TestSignatureVerifierUnknownChain(t *testing.T) {
	sv := NewSignatureVerifier()
	msg := newPendingMessage("UNKNOWN", "someone", "sig")
	err := sv.VerifySignature(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidFormat)

	var pe *types.ProcessingError
	require.True(t, errors.As(err, &pe))
	assert.False(t, pe.Retry)
}

func TestSignatureVerifierCachesResults(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	sender := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	msg := newPendingMessage(types.ChainEthereum, sender, "")
	sig, err := gethcrypto.Sign(personalSignHash(VerificationBuffer(msg)), key)
	require.NoError(t, err)
	signature := "0x" + hex.EncodeToString(sig)
	msg.Signature = &signature

	sv := NewSignatureVerifier()
	require.NoError(t, sv.VerifySignature(context.Background(), msg))
	// Second call hits the cache.
	require.NoError(t, sv.VerifySignature(context.Background(), msg))
	assert.Equal(t, 1, sv.verified.Len())
}
