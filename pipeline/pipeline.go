// Package pipeline drives messages from admission to projection. The
// publisher admits wire messages and records them as pending; the
// fetcher verifies signatures and resolves content; the processor runs
// the per-type handlers inside one transaction per message; the tx
// processor materializes messages carried by confirmed chain
// transactions.
package pipeline

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/types"
)

var log = logrus.WithField("prefix", "pipeline")

// wireFromPending rebuilds the wire shape of a pending row, for result
// publications and rejection records.
func wireFromPending(pending *types.PendingMessage) *types.MessageWire {
	return &types.MessageWire{
		ItemHash:    pending.ItemHash,
		Type:        pending.Type,
		Chain:       pending.Chain,
		Sender:      pending.Sender,
		Signature:   pending.Signature,
		ItemType:    pending.ItemType,
		ItemContent: pending.ItemContent,
		Content:     pending.Content,
		Time:        types.UnixTime(pending.Time),
		Channel:     pending.Channel,
	}
}

// messageFromPending builds the Message row a processed pending message
// becomes. Chain-synthesized messages carry no signature.
func messageFromPending(pending *types.PendingMessage) *types.Message {
	var signature string
	if pending.Signature != nil {
		signature = *pending.Signature
	}
	return &types.Message{
		ItemHash:    pending.ItemHash,
		Type:        pending.Type,
		Chain:       pending.Chain,
		Sender:      pending.Sender,
		Signature:   signature,
		ItemType:    pending.ItemType,
		ItemContent: pending.ItemContent,
		Content:     pending.Content,
		Time:        pending.Time,
		Channel:     pending.Channel,
		Size:        int64(len(pending.Content)),
	}
}

// validateContent checks a decoded payload against the schema of its
// message type before the message is handed to the processing stage.
func validateContent(messageType types.MessageType, raw json.RawMessage) error {
	var base types.BaseContent
	if err := json.Unmarshal(raw, &base); err != nil {
		return errors.Wrap(types.ErrInvalidContent, err.Error())
	}
	if base.Address == "" {
		return errors.Wrap(types.ErrInvalidContent, "content without address")
	}

	var err error
	switch messageType {
	case types.MessageTypePost:
		_, err = types.ParsePostContent(raw)
	case types.MessageTypeAggregate:
		_, err = types.ParseAggregateContent(raw)
	case types.MessageTypeStore:
		_, err = types.ParseStoreContent(raw)
	case types.MessageTypeInstance:
		_, err = types.ParseInstanceContent(raw)
	case types.MessageTypeProgram:
		_, err = types.ParseProgramContent(raw)
	case types.MessageTypeForget:
		_, err = types.ParseForgetContent(raw)
	default:
		return errors.Wrapf(types.ErrInvalidFormat, "unknown message type %q", messageType)
	}
	return err
}
