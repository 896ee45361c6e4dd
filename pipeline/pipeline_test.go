package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/types"
)

func fixedPolicy() RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.RandomizationFactor = 0
	return policy
}

func TestRetryPolicyGrowsAndCaps(t *testing.T) {
	policy := fixedPolicy()
	now := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

	first := policy.NextAttempt(1, now)
	second := policy.NextAttempt(2, now)
	third := policy.NextAttempt(3, now)
	assert.Equal(t, now.Add(time.Second), first)
	assert.Equal(t, now.Add(2*time.Second), second)
	assert.Equal(t, now.Add(4*time.Second), third)

	capped := policy.NextAttempt(50, now)
	assert.Equal(t, now.Add(policy.MaxInterval), capped)
}

func TestRetryPolicyExhaustion(t *testing.T) {
	policy := fixedPolicy()
	assert.False(t, policy.Exhausted(0))
	assert.False(t, policy.Exhausted(policy.MaxRetries-1))
	assert.True(t, policy.Exhausted(policy.MaxRetries))
}

func TestShouldRetry(t *testing.T) {
	policy := fixedPolicy()
	assert.True(t, shouldRetry(types.ErrContentUnavailable, 0, policy))
	assert.False(t, shouldRetry(types.ErrContentUnavailable, policy.MaxRetries, policy))
	assert.False(t, shouldRetry(types.ErrInvalidSignature, 0, policy))
	assert.False(t, shouldRetry(types.ErrPermissionDenied, 0, policy))

	internal := types.ClassifyError(assert.AnError)
	assert.True(t, shouldRetry(internal, 0, policy))
}

func TestWireFromPendingRoundTrip(t *testing.T) {
	signature := "0xsig"
	channel := "TEST"
	content := `{"address":"0xabc","time":1668611900,"type":"blog"}`
	pending := &types.PendingMessage{
		ItemHash:    "aa",
		Type:        types.MessageTypePost,
		Chain:       types.ChainEthereum,
		Sender:      "0xabc",
		Signature:   &signature,
		ItemType:    types.ItemTypeInline,
		ItemContent: &content,
		Content:     json.RawMessage(content),
		Time:        time.Unix(1668611900, 0).UTC(),
		Channel:     &channel,
	}

	raw, err := json.Marshal(wireFromPending(pending))
	require.NoError(t, err)

	var wire types.MessageWire
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, pending.ItemHash, wire.ItemHash)
	assert.Equal(t, pending.Sender, wire.Sender)
	assert.Equal(t, &signature, wire.Signature)
	assert.Equal(t, pending.Time, wire.Time.Time())
}

func TestMessageFromPending(t *testing.T) {
	content := `{"address":"0xabc","time":1,"type":"blog"}`
	pending := &types.PendingMessage{
		ItemHash: "aa",
		Type:     types.MessageTypePost,
		Sender:   "0xabc",
		ItemType: types.ItemTypeStorage,
		Content:  json.RawMessage(content),
		Time:     time.Unix(1668611900, 0).UTC(),
	}
	message := messageFromPending(pending)
	assert.Empty(t, message.Signature)
	assert.Equal(t, int64(len(content)), message.Size)
	assert.Equal(t, pending.Time, message.Time)
}

func TestValidateContent(t *testing.T) {
	post := json.RawMessage(`{"address":"0xabc","time":1,"type":"blog"}`)
	require.NoError(t, validateContent(types.MessageTypePost, post))

	aggregate := json.RawMessage(`{"address":"0xabc","time":1,"key":"profile","content":{"a":1}}`)
	require.NoError(t, validateContent(types.MessageTypeAggregate, aggregate))

	noAddress := json.RawMessage(`{"time":1,"type":"blog"}`)
	err := validateContent(types.MessageTypePost, noAddress)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidContent)

	badForget := json.RawMessage(`{"address":"0xabc","time":1}`)
	require.Error(t, validateContent(types.MessageTypeForget, badForget))

	err = validateContent(types.MessageType("DANCE"), post)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidFormat)
}

func TestInflightClaims(t *testing.T) {
	tracker := newInflight(false)
	require.True(t, tracker.claim("aa", "0xabc"))
	assert.False(t, tracker.claim("aa", "0xother"))
	assert.True(t, tracker.claim("bb", "0xabc"))

	tracker.release("aa", "0xabc")
	assert.True(t, tracker.claim("aa", "0xabc"))
}

func TestInflightSenderSerialization(t *testing.T) {
	tracker := newInflight(true)
	require.True(t, tracker.claim("aa", "0xabc"))
	assert.False(t, tracker.claim("bb", "0xabc"))

	hashes, senders := tracker.excluded()
	assert.Equal(t, []string{"aa"}, hashes)
	assert.Equal(t, []string{"0xabc"}, senders)

	tracker.release("aa", "0xabc")
	assert.True(t, tracker.claim("bb", "0xabc"))
}

func TestNudgedTimePreservesArchiveOrder(t *testing.T) {
	base := time.Date(2022, 11, 16, 15, 18, 20, 0, time.UTC)
	assert.Equal(t, base, nudgedTime(base, 0))
	assert.Equal(t, base.Add(time.Millisecond), nudgedTime(base, 1))
	assert.True(t, nudgedTime(base, 5).Before(nudgedTime(base, 6)))
}

func TestChainMessagesSkipClockWindow(t *testing.T) {
	// Archived messages carry historic timestamps; replays must not be
	// bound by the live submission window.
	content := `{"address":"0xabc","time":1000000000}`
	itemHash := types.HashItemContent([]byte(content))
	signature := "0xsig"
	wire := &types.MessageWire{
		ItemHash:    itemHash,
		Type:        types.MessageTypePost,
		Chain:       types.ChainEthereum,
		Sender:      "0xabc",
		Signature:   &signature,
		ItemType:    types.ItemTypeInline,
		ItemContent: &content,
		Time:        types.TimeFromUnix(1000000000),
	}
	txHash := "0xtx"
	pending, err := types.ParsePendingMessage(wire, time.Now().UTC(), false, &txHash)
	require.NoError(t, err)
	assert.False(t, pending.CheckMessage)
	assert.Equal(t, &txHash, pending.TxHash)

	_, err = types.ParsePendingMessage(wire, time.Now().UTC(), true, nil)
	require.Error(t, err, "a live submission with a week-old time must be refused")
}

func TestPoolPokeNeverBlocks(t *testing.T) {
	p := newPool(nil, false, 1, false, nil)
	// Repeated wakeups collapse into one pending dispatch.
	p.poke()
	p.poke()
	select {
	case <-p.wake:
	default:
		t.Fatal("expected a buffered wakeup")
	}
	select {
	case <-p.wake:
		t.Fatal("expected wakeups to collapse")
	default:
	}
}
