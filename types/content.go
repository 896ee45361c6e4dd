package types

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// BaseContent holds the fields every message content carries. Address is
// the declared owner and must match the sender for most operations.
type BaseContent struct {
	Address string   `json:"address"`
	Time    UnixTime `json:"time"`
}

// AggregateContent is the payload of an AGGREGATE message: a partial JSON
// document merged into the (key, owner) projection.
type AggregateContent struct {
	BaseContent
	Key     string          `json:"key"`
	Content json.RawMessage `json:"content"`
}

// PostContent is the payload of a POST message. Type "amend" replaces the
// visible content of the post referenced by Ref.
type PostContent struct {
	BaseContent
	Type    string          `json:"type"`
	Ref     *string         `json:"ref,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// StoreContent is the payload of a STORE message, pointing at a file kept
// in the blob store or on IPFS. EngineInfo is filled by the node with the
// IPFS object stats for directory pins.
type StoreContent struct {
	BaseContent
	ItemType   ItemType        `json:"item_type"`
	ItemHash   string          `json:"item_hash"`
	Ref        *string         `json:"ref,omitempty"`
	MimeType   *string         `json:"mime_type,omitempty"`
	EngineInfo json.RawMessage `json:"engine_info,omitempty"`
}

// ForgetContent is the payload of a FORGET message: explicit message
// hashes and/or aggregate keys to retract.
type ForgetContent struct {
	BaseContent
	Hashes     []string `json:"hashes"`
	Aggregates []string `json:"aggregates,omitempty"`
	Reason     *string  `json:"reason,omitempty"`
}

// ParseAggregateContent decodes and validates an AGGREGATE payload.
func ParseAggregateContent(raw json.RawMessage) (*AggregateContent, error) {
	var content AggregateContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, errors.Wrap(ErrInvalidContent, err.Error())
	}
	if content.Key == "" {
		return nil, errors.Wrap(ErrInvalidContent, "aggregate without key")
	}
	if len(content.Content) == 0 {
		return nil, errors.Wrap(ErrInvalidContent, "aggregate without content")
	}
	return &content, nil
}

// ParsePostContent decodes and validates a POST payload.
func ParsePostContent(raw json.RawMessage) (*PostContent, error) {
	var content PostContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, errors.Wrap(ErrInvalidContent, err.Error())
	}
	if content.Type == "" {
		return nil, errors.Wrap(ErrInvalidContent, "post without type")
	}
	return &content, nil
}

// ParseStoreContent decodes and validates a STORE payload.
func ParseStoreContent(raw json.RawMessage) (*StoreContent, error) {
	var content StoreContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, errors.Wrap(ErrInvalidContent, err.Error())
	}
	switch content.ItemType {
	case ItemTypeStorage, ItemTypeIPFS:
	default:
		return nil, errors.Wrapf(ErrInvalidContent, "invalid store item_type %q", content.ItemType)
	}
	if content.ItemHash == "" {
		return nil, errors.Wrap(ErrInvalidContent, "store without item_hash")
	}
	return &content, nil
}

// ParseForgetContent decodes and validates a FORGET payload.
func ParseForgetContent(raw json.RawMessage) (*ForgetContent, error) {
	var content ForgetContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, errors.Wrap(ErrInvalidContent, err.Error())
	}
	if len(content.Hashes) == 0 && len(content.Aggregates) == 0 {
		return nil, errors.Wrap(ErrInvalidContent, "forget with no targets")
	}
	return &content, nil
}
