package indexer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/types"
)

func TestWindowUnmarshalBothEncodings(t *testing.T) {
	var fromArray Window
	require.NoError(t, json.Unmarshal(
		[]byte(`["2022-01-01T00:00:00Z","2022-06-01T12:30:00Z"]`), &fromArray))
	assert.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), fromArray.Start)
	assert.Equal(t, time.Date(2022, 6, 1, 12, 30, 0, 0, time.UTC), fromArray.End)

	var fromString Window
	require.NoError(t, json.Unmarshal(
		[]byte(`"2022-01-01T00:00:00Z/2022-06-01T12:30:00Z"`), &fromString))
	assert.Equal(t, fromArray, fromString)

	var bad Window
	require.Error(t, json.Unmarshal([]byte(`"2022-01-01T00:00:00Z"`), &bad))
}

func TestEventChainTxMessageEvent(t *testing.T) {
	event := &Event{
		ID:          "bsc_123",
		TimestampMs: 1668611900000,
		Address:     "0xPublisher",
		Height:      42,
		Transaction: "0xdeadbeef",
		Type:        "STORE_IPFS",
		Content:     "QmWWX6BaaRkRSsAoY6KMMUDmkWBzkQbUpYnMtGvKAfVTTs",
	}
	tx, err := EventChainTx(types.ChainBsc, EventTypeMessage, event)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", tx.Hash)
	assert.Equal(t, types.ChainSyncProtocolSmartContract, tx.Protocol)
	assert.Equal(t, 1, tx.ProtocolVersion)
	assert.Equal(t, time.UnixMilli(1668611900000).UTC(), tx.Datetime)

	var decoded types.SmartContractEvent
	require.NoError(t, json.Unmarshal(tx.Content, &decoded))
	assert.Equal(t, "0xPublisher", decoded.Address)
	assert.Equal(t, "STORE_IPFS", decoded.Type)
	assert.InDelta(t, 1668611900, decoded.TimestampSeconds, 0.001)
}

func TestEventChainTxSyncEvent(t *testing.T) {
	event := &Event{
		TimestampMs: 1668611900000,
		Address:     "0xPublisher",
		Height:      42,
		Transaction: "0xcafe",
		Message:     `{"protocol":"aleph-offchain","version":1,"content":"QmArchive"}`,
	}
	tx, err := EventChainTx(types.ChainEthereum, EventTypeSync, event)
	require.NoError(t, err)
	assert.Equal(t, types.ChainSyncProtocolOffChain, tx.Protocol)
	assert.Equal(t, json.RawMessage(`"QmArchive"`), tx.Content)

	event.Message = "not json"
	_, err = EventChainTx(types.ChainEthereum, EventTypeSync, event)
	require.Error(t, err)
}

func TestBlockchainNames(t *testing.T) {
	name, ok := BlockchainName(types.ChainSolana)
	require.True(t, ok)
	assert.Equal(t, "solana", name)

	_, ok = BlockchainName(types.ChainTezos)
	assert.False(t, ok)
}
