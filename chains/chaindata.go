// Package chains decodes on-chain aleph payloads into message batches and
// feeds observed transactions into the pending-tx queue.
package chains

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/storage"
	"github.com/aleph-im/aleph-node/types"
)

var log = logrus.WithField("prefix", "chains")

const (
	// offChainFetchTimeout bounds one off-chain archive download and pin.
	offChainFetchTimeout = 2 * time.Minute
	// seenIDsTTL is how long a fetched off-chain CID suppresses duplicate
	// work across concurrent tx batches.
	seenIDsTTL = 5 * time.Minute
)

// DataService turns chain transactions into message batches and encodes
// the node's own sync archives.
type DataService struct {
	storage *storage.Service
	seenIDs *gocache.Cache
}

// NewDataService builds the chain-data codec.
func NewDataService(storageService *storage.Service) *DataService {
	return &DataService{
		storage: storageService,
		seenIDs: gocache.New(seenIDsTTL, seenIDsTTL),
	}
}

// TxMessages decodes the message batch a transaction carries, by
// protocol: inlined batches are returned as-is, off-chain batches are
// fetched and pinned, smart-contract events are synthesized into one
// message. Unknown protocols and versions reject the tx.
func (s *DataService) TxMessages(ctx context.Context, q db.Querier, tx *types.ChainTx) ([]json.RawMessage, error) {
	if tx.ProtocolVersion != 1 {
		return nil, errors.Wrapf(types.ErrInvalidContent,
			"unsupported protocol version %d on tx %s", tx.ProtocolVersion, tx.Hash)
	}
	switch tx.Protocol {
	case types.ChainSyncProtocolOnChain:
		return decodeMessageBatch(tx.Content)
	case types.ChainSyncProtocolOffChain:
		return s.offChainMessages(ctx, q, tx)
	case types.ChainSyncProtocolSmartContract:
		message, err := SynthesizeEventMessage(tx)
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{message}, nil
	default:
		return nil, errors.Wrapf(types.ErrInvalidContent,
			"unknown chain sync protocol %q on tx %s", tx.Protocol, tx.Hash)
	}
}

func decodeMessageBatch(content json.RawMessage) ([]json.RawMessage, error) {
	var payload types.OnChainSyncPayload
	if err := json.Unmarshal(content, &payload); err != nil {
		return nil, errors.Wrap(types.ErrInvalidContent, err.Error())
	}
	return payload.Messages, nil
}

// offChainMessages resolves the archive CID, pins it on behalf of the tx
// and decodes the batch. The seen-ids cache collapses concurrent fetches
// of the same CID into one.
func (s *DataService) offChainMessages(ctx context.Context, q db.Querier, tx *types.ChainTx) ([]json.RawMessage, error) {
	var cid string
	if err := json.Unmarshal(tx.Content, &cid); err != nil {
		return nil, errors.Wrap(types.ErrInvalidContent, err.Error())
	}
	if cid == "" {
		return nil, errors.Wrapf(types.ErrInvalidContent, "empty off-chain cid on tx %s", tx.Hash)
	}

	firstSight := s.seenIDs.Add(cid, struct{}{}, gocache.DefaultExpiration) == nil

	opts := storage.DefaultFetchOptions()
	opts.Timeout = offChainFetchTimeout
	value, err := s.storage.GetHashContent(ctx, cid, types.ItemTypeIPFS, opts)
	if err != nil {
		return nil, err
	}

	if firstSight {
		if err := s.storage.PinHash(ctx, cid); err != nil {
			log.WithError(err).WithField("cid", cid).Warn("Could not pin off-chain archive")
		}
		// The catalog row first: the pin references files (hash).
		if err := db.UpsertStoredFile(ctx, q, &types.StoredFile{
			Hash: cid,
			Size: int64(len(value)),
			Type: types.FileTypeFile,
		}); err != nil {
			return nil, err
		}
		txHash := tx.Hash
		if err := db.InsertFilePin(ctx, q, &types.FilePin{
			FileHash: cid,
			Created:  tx.Datetime,
			Type:     types.FilePinTypeTx,
			TxHash:   &txHash,
		}); err != nil {
			return nil, err
		}
	}
	return decodeMessageBatch(value)
}

// SynthesizeEventMessage builds the wire message a smart-contract event
// stands for. STORE_IPFS events become STORE messages pointing at the
// event content; any other type carries the full message as JSON.
func SynthesizeEventMessage(tx *types.ChainTx) (json.RawMessage, error) {
	var event types.SmartContractEvent
	if err := json.Unmarshal(tx.Content, &event); err != nil {
		return nil, errors.Wrap(types.ErrInvalidContent, err.Error())
	}
	if event.Address == "" {
		return nil, errors.Wrapf(types.ErrInvalidContent, "event without address on tx %s", tx.Hash)
	}

	if event.Type == "STORE_IPFS" {
		return storeIpfsMessage(tx, &event)
	}

	var message map[string]interface{}
	if err := json.Unmarshal([]byte(event.Content), &message); err != nil {
		return nil, errors.Wrapf(types.ErrInvalidContent,
			"unparsable event content on tx %s: %v", tx.Hash, err)
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, errors.Wrap(err, "could not re-encode event message")
	}
	return raw, nil
}

func storeIpfsMessage(tx *types.ChainTx, event *types.SmartContractEvent) (json.RawMessage, error) {
	content := map[string]interface{}{
		"address":   event.Address,
		"time":      event.TimestampSeconds,
		"item_type": string(types.ItemTypeIPFS),
		"item_hash": event.Content,
	}
	itemContent, err := json.Marshal(content)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode store content")
	}
	message := map[string]interface{}{
		"item_hash":    types.HashItemContent(itemContent),
		"type":         string(types.MessageTypeStore),
		"chain":        string(tx.Chain),
		"sender":       event.Address,
		"signature":    nil,
		"item_type":    string(types.ItemTypeInline),
		"item_content": string(itemContent),
		"time":         event.TimestampSeconds,
	}
	raw, err := json.Marshal(message)
	return raw, errors.Wrap(err, "could not encode store message")
}

// SyncArchive is an encoded outbound sync event: the archive CID plus the
// envelope to publish on chain.
type SyncArchive struct {
	Cid      string
	Envelope json.RawMessage
	Count    int
}

// EncodeSyncArchive serializes the chain's unconfirmed messages as an
// ON_CHAIN_SYNC payload, pushes it to IPFS and returns the OFF_CHAIN_SYNC
// envelope pointing at it. With nothing to archive it returns nil.
func (s *DataService) EncodeSyncArchive(ctx context.Context, q db.Querier, chain types.Chain, limit int) (*SyncArchive, error) {
	messages, err := db.GetUnconfirmedMessages(ctx, q, chain, limit)
	if err != nil {
		return nil, err
	}
	return s.BuildSyncArchive(ctx, messages)
}

// BuildSyncArchive encodes the given messages as an archive. With nothing
// to archive it returns nil.
func (s *DataService) BuildSyncArchive(ctx context.Context, messages []*types.Message) (*SyncArchive, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	wires := make([]*types.MessageWire, len(messages))
	for i, message := range messages {
		wires[i] = messageToWire(message)
	}
	payload := map[string]interface{}{
		"protocol": types.ChainSyncProtocolOnChain,
		"version":  1,
		"content":  map[string]interface{}{"messages": wires},
	}
	cid, err := s.storage.AddJSON(ctx, payload, types.ItemTypeIPFS)
	if err != nil {
		return nil, err
	}

	envelope, err := json.Marshal(types.SyncEnvelope{
		Protocol: types.ChainSyncProtocolOffChain,
		Version:  1,
		Content:  json.RawMessage(`"` + cid + `"`),
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode sync envelope")
	}
	log.WithFields(logrus.Fields{
		"cid":   cid,
		"count": len(messages),
	}).Info("Encoded outbound sync archive")
	return &SyncArchive{Cid: cid, Envelope: envelope, Count: len(messages)}, nil
}

func messageToWire(message *types.Message) *types.MessageWire {
	signature := message.Signature
	return &types.MessageWire{
		ItemHash:    message.ItemHash,
		Type:        message.Type,
		Chain:       message.Chain,
		Sender:      message.Sender,
		Signature:   &signature,
		ItemType:    message.ItemType,
		ItemContent: message.ItemContent,
		Content:     message.Content,
		Time:        types.UnixTime(message.Time),
		Channel:     message.Channel,
	}
}
