package types

import (
	"encoding/json"
	"time"
)

// ChainSyncProtocol disambiguates the content column of a chain
// transaction.
type ChainSyncProtocol string

const (
	// ChainSyncProtocolOnChain inlines the message batch in the tx itself.
	ChainSyncProtocolOnChain ChainSyncProtocol = "aleph"
	// ChainSyncProtocolOffChain stores the batch on IPFS and carries only
	// the CID.
	ChainSyncProtocolOffChain ChainSyncProtocol = "aleph-offchain"
	// ChainSyncProtocolSmartContract carries a single contract event to be
	// synthesized into one message.
	ChainSyncProtocolSmartContract ChainSyncProtocol = "smart-contract"
)

// ChainTx is an observed blockchain transaction carrying aleph payloads.
type ChainTx struct {
	Hash            string            `db:"hash"`
	Chain           Chain             `db:"chain"`
	Height          int64             `db:"height"`
	Datetime        time.Time         `db:"datetime"`
	Publisher       string            `db:"publisher"`
	Protocol        ChainSyncProtocol `db:"protocol"`
	ProtocolVersion int               `db:"protocol_version"`
	Content         json.RawMessage   `db:"content"`
}

// PendingTx marks a ChainTx whose messages are not yet materialized.
type PendingTx struct {
	TxHash string `db:"tx_hash"`
}

// ChainSyncType separates the cursor namespaces of one chain.
type ChainSyncType string

const (
	ChainSyncTypeOffChain ChainSyncType = "sync"
	ChainSyncTypeMessage  ChainSyncType = "message"
)

// ChainSyncStatus is the resumable cursor of a chain fetcher.
type ChainSyncStatus struct {
	Chain      Chain         `db:"chain"`
	SyncType   ChainSyncType `db:"type"`
	Height     int64         `db:"height"`
	LastUpdate time.Time     `db:"last_update"`
}

// IndexerSyncStatus is one synced datetime window of an indexer-backed
// chain, persisted as part of the local multirange.
type IndexerSyncStatus struct {
	Chain          Chain     `db:"chain"`
	EventType      string    `db:"event_type"`
	StartBlock     time.Time `db:"start_block_datetime"`
	EndBlock       time.Time `db:"end_block_datetime"`
	StartInclusive bool      `db:"start_included"`
	EndInclusive   bool      `db:"end_included"`
	LastUpdated    time.Time `db:"last_updated"`
}

// SyncEnvelope is the wire shape shared by all on-chain payloads:
// {protocol, version, content}.
type SyncEnvelope struct {
	Protocol ChainSyncProtocol `json:"protocol"`
	Version  int               `json:"version"`
	Content  json.RawMessage   `json:"content"`
}

// OnChainSyncPayload is the decoded content of an ON_CHAIN_SYNC envelope.
type OnChainSyncPayload struct {
	Messages []json.RawMessage `json:"messages"`
}

// SmartContractEvent is the event payload of a SMART_CONTRACT envelope.
// Tezos events use {addr, msgtype, msgcontent, timestamp in seconds};
// generic indexer events use {address, type, content, timestamp in
// milliseconds}. UnmarshalJSON accepts both.
type SmartContractEvent struct {
	Address          string
	TimestampSeconds float64
	Type             string
	Content          string
}

// UnmarshalJSON decodes either event key set.
func (e *SmartContractEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Addr       *string  `json:"addr"`
		MsgType    *string  `json:"msgtype"`
		MsgContent *string  `json:"msgcontent"`
		Address    *string  `json:"address"`
		Type       *string  `json:"type"`
		Content    *string  `json:"content"`
		Timestamp  float64  `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Addr != nil {
		e.Address, e.TimestampSeconds = *raw.Addr, raw.Timestamp
		if raw.MsgType != nil {
			e.Type = *raw.MsgType
		}
		if raw.MsgContent != nil {
			e.Content = *raw.MsgContent
		}
		return nil
	}
	if raw.Address != nil {
		e.Address = *raw.Address
	}
	if raw.Type != nil {
		e.Type = *raw.Type
	}
	if raw.Content != nil {
		e.Content = *raw.Content
	}
	e.TimestampSeconds = raw.Timestamp / 1000
	return nil
}
