package types

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func str(s string) *string { return &s }

func validWire(content string) *MessageWire {
	return &MessageWire{
		ItemHash:    HashItemContent([]byte(content)),
		Type:        MessageTypePost,
		Chain:       ChainEthereum,
		Sender:      "0x1234",
		Signature:   str("0xsig"),
		ItemContent: str(content),
		Time:        UnixTime(time.Now().UTC()),
	}
}

func TestParsePendingMessageInline(t *testing.T) {
	now := time.Now().UTC()
	wire := validWire(`{"type":"test"}`)

	pending, err := ParsePendingMessage(wire, now, true, nil)
	require.NoError(t, err)
	assert.Equal(t, ItemTypeInline, pending.ItemType)
	assert.Equal(t, wire.ItemHash, pending.ItemHash)
	assert.True(t, pending.CheckMessage)
	assert.Equal(t, now, pending.ReceptionTime)
}

func TestParsePendingMessageRejectsHashMismatch(t *testing.T) {
	wire := validWire(`{"type":"test"}`)
	wire.ItemHash = HashItemContent([]byte("something else"))

	_, err := ParsePendingMessage(wire, time.Now().UTC(), true, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFormat))
}

func TestParsePendingMessageInlineSizeBoundary(t *testing.T) {
	// Exactly at the limit is accepted, one byte over is not.
	atLimit := strings.Repeat("a", MaxInlineSize)
	wire := validWire(atLimit)
	_, err := ParsePendingMessage(wire, time.Now().UTC(), true, nil)
	require.NoError(t, err)

	over := strings.Repeat("a", MaxInlineSize+1)
	wire = validWire(over)
	_, err = ParsePendingMessage(wire, time.Now().UTC(), true, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFormat))
}

func TestParsePendingMessageRequiresSignature(t *testing.T) {
	wire := validWire(`{"type":"test"}`)
	wire.Signature = nil

	_, err := ParsePendingMessage(wire, time.Now().UTC(), true, nil)
	require.Error(t, err)

	// Chain replays carry no per-message check; the row records it.
	txHash := "0xtx"
	pending, err := ParsePendingMessage(wire, time.Now().UTC(), false, &txHash)
	require.NoError(t, err)
	assert.False(t, pending.CheckMessage)
	assert.Equal(t, &txHash, pending.TxHash)
}

func TestParsePendingMessageDerivesItemType(t *testing.T) {
	now := time.Now().UTC()
	wire := &MessageWire{
		ItemHash:  "QmbFMke1KXqnYyBBWxB74N4c5SBnJMVAiMNRcGu6x1AwQH",
		Type:      MessageTypeStore,
		Chain:     ChainEthereum,
		Sender:    "0x1234",
		Signature: str("0xsig"),
		Time:      UnixTime(now),
	}

	pending, err := ParsePendingMessage(wire, now, true, nil)
	require.NoError(t, err)
	assert.Equal(t, ItemTypeIPFS, pending.ItemType)
	assert.Nil(t, pending.ItemContent)

	// item_content on a non-inline message is a format error.
	wire.ItemContent = str("{}")
	_, err = ParsePendingMessage(wire, now, true, nil)
	require.Error(t, err)
}

func TestCheckTimeWindowBoundaries(t *testing.T) {
	now := time.Now().UTC()

	assert.NoError(t, CheckTimeWindow(now.Add(-MaxTimeInPast), now))
	err := CheckTimeWindow(now.Add(-MaxTimeInPast-time.Second), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time in past")

	assert.NoError(t, CheckTimeWindow(now.Add(MaxTimeInFuture), now))
	err = CheckTimeWindow(now.Add(MaxTimeInFuture+time.Second), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time in future")
}

func TestCheckRawContentRejectsNulBytes(t *testing.T) {
	require.NoError(t, CheckRawContent([]byte(`{"a":"b"}`)))

	err := CheckRawContent([]byte("{\"a\":\"b\x00c\"}"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidContent))

	err = CheckRawContent([]byte(`{"a":"b\u0000c"}`))
	require.Error(t, err)
}

func TestItemTypeFromHash(t *testing.T) {
	itemType, err := ItemTypeFromHash(HashItemContent([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, ItemTypeStorage, itemType)

	itemType, err = ItemTypeFromHash("QmbFMke1KXqnYyBBWxB74N4c5SBnJMVAiMNRcGu6x1AwQH")
	require.NoError(t, err)
	assert.Equal(t, ItemTypeIPFS, itemType)

	_, err = ItemTypeFromHash("not-a-hash")
	require.Error(t, err)
}
