package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MessageType discriminates the six message kinds the network supports.
type MessageType string

const (
	MessageTypeAggregate MessageType = "AGGREGATE"
	MessageTypePost      MessageType = "POST"
	MessageTypeStore     MessageType = "STORE"
	MessageTypeForget    MessageType = "FORGET"
	MessageTypeInstance  MessageType = "INSTANCE"
	MessageTypeProgram   MessageType = "PROGRAM"
)

// IsValidMessageType reports whether t is one of the supported kinds.
func IsValidMessageType(t MessageType) bool {
	switch t {
	case MessageTypeAggregate, MessageTypePost, MessageTypeStore,
		MessageTypeForget, MessageTypeInstance, MessageTypeProgram:
		return true
	}
	return false
}

const (
	// MaxInlineSize bounds item_content for inline messages, in bytes.
	MaxInlineSize = 200_000

	// MaxTimeInPast and MaxTimeInFuture bound the declared message time
	// relative to the node clock at admission.
	MaxTimeInPast   = 24 * time.Hour
	MaxTimeInFuture = 5 * time.Minute
)

// Message is the canonical, immutable record of a processed message.
type Message struct {
	ItemHash    string          `db:"item_hash" json:"item_hash"`
	Type        MessageType     `db:"type" json:"type"`
	Chain       Chain           `db:"chain" json:"chain"`
	Sender      string          `db:"sender" json:"sender"`
	Signature   string          `db:"signature" json:"signature"`
	ItemType    ItemType        `db:"item_type" json:"item_type"`
	ItemContent *string         `db:"item_content" json:"item_content,omitempty"`
	Content     json.RawMessage `db:"content" json:"content,omitempty"`
	Time        time.Time       `db:"time" json:"-"`
	Channel     *string         `db:"channel" json:"channel,omitempty"`
	Size        int64           `db:"size" json:"-"`
}

// PendingMessage is a retryable work item in the ingestion pipeline. It
// mirrors Message plus the bookkeeping the fetcher and processor need.
// Several rows may share an item hash; extras become confirmations.
type PendingMessage struct {
	ID            int64           `db:"id"`
	ItemHash      string          `db:"item_hash"`
	Type          MessageType     `db:"type"`
	Chain         Chain           `db:"chain"`
	Sender        string          `db:"sender"`
	Signature     *string         `db:"signature"`
	ItemType      ItemType        `db:"item_type"`
	ItemContent   *string         `db:"item_content"`
	Content       json.RawMessage `db:"content"`
	Time          time.Time       `db:"time"`
	Channel       *string         `db:"channel"`
	Retries       int             `db:"retries"`
	NextAttempt   time.Time       `db:"next_attempt"`
	CheckMessage  bool            `db:"check_message"`
	Fetched       bool            `db:"fetched"`
	TxHash        *string         `db:"tx_hash"`
	ReceptionTime time.Time       `db:"reception_time"`
}

// MessageWire is the JSON shape messages travel in, over HTTP and inside
// on-chain sync archives.
type MessageWire struct {
	ItemHash    string          `json:"item_hash"`
	Type        MessageType     `json:"type"`
	Chain       Chain           `json:"chain"`
	Sender      string          `json:"sender"`
	Signature   *string         `json:"signature"`
	ItemType    ItemType        `json:"item_type,omitempty"`
	ItemContent *string         `json:"item_content,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Time        UnixTime        `json:"time"`
	Channel     *string         `json:"channel,omitempty"`
}

// MessageStatus is the lifecycle state of an item hash.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusProcessed MessageStatus = "processed"
	MessageStatusRejected  MessageStatus = "rejected"
	MessageStatusForgotten MessageStatus = "forgotten"
)

// MessageStatusRow maps an item hash to its current status.
type MessageStatusRow struct {
	ItemHash      string        `db:"item_hash"`
	Status        MessageStatus `db:"status"`
	ReceptionTime time.Time     `db:"reception_time"`
}

// MessageConfirmation links a message to a chain transaction that carried
// it. A message may be confirmed by several transactions.
type MessageConfirmation struct {
	ItemHash string `db:"item_hash"`
	TxHash   string `db:"tx_hash"`
}

// RejectedMessage keeps the reason a message was refused, for the status
// API.
type RejectedMessage struct {
	ItemHash  string          `db:"item_hash"`
	Message   json.RawMessage `db:"message"`
	ErrorCode ErrorCode       `db:"error_code"`
	Details   json.RawMessage `db:"details"`
	Traceback *string         `db:"traceback"`
}

// ForgottenMessage is the tombstone left behind by a FORGET. The original
// content is gone; the metadata and the list of forgetting messages stay.
type ForgottenMessage struct {
	ItemHash    string      `db:"item_hash"`
	Type        MessageType `db:"type"`
	Chain       Chain       `db:"chain"`
	Sender      string      `db:"sender"`
	Signature   string      `db:"signature"`
	ItemType    ItemType    `db:"item_type"`
	Time        time.Time   `db:"time"`
	Channel     *string     `db:"channel"`
	ForgottenBy StringArray `db:"forgotten_by"`
}

// HashItemContent returns the sha256 hex digest used as the item hash of
// inline content.
func HashItemContent(itemContent []byte) string {
	sum := sha256.Sum256(itemContent)
	return hex.EncodeToString(sum[:])
}

// ParsePendingMessage validates a wire message and builds the pending row
// the pipeline works on. checkMessage controls whether the signature will
// be verified later; on-chain sync replays set it to false.
func ParsePendingMessage(w *MessageWire, receptionTime time.Time, checkMessage bool, txHash *string) (*PendingMessage, error) {
	if w.ItemHash == "" {
		return nil, errors.Wrap(ErrInvalidFormat, "missing item_hash")
	}
	if w.Sender == "" {
		return nil, errors.Wrap(ErrInvalidFormat, "missing sender")
	}
	if !IsValidMessageType(w.Type) {
		return nil, errors.Wrapf(ErrInvalidFormat, "invalid message type %q", w.Type)
	}
	if checkMessage && (w.Signature == nil || *w.Signature == "") {
		return nil, errors.Wrap(ErrInvalidFormat, "missing signature")
	}

	itemType := w.ItemType
	if itemType == "" {
		var err error
		itemType, err = ItemTypeFromHash(w.ItemHash)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidFormat, err.Error())
		}
	}

	msgTime := w.Time.Time()
	if checkMessage {
		// Chain replays carry historic timestamps; the clock window only
		// applies to messages submitted directly to the node.
		if err := CheckTimeWindow(msgTime, receptionTime); err != nil {
			return nil, err
		}
	}

	pending := &PendingMessage{
		ItemHash:      w.ItemHash,
		Type:          w.Type,
		Chain:         w.Chain,
		Sender:        w.Sender,
		Signature:     w.Signature,
		ItemType:      itemType,
		Channel:       w.Channel,
		Time:          msgTime,
		CheckMessage:  checkMessage,
		TxHash:        txHash,
		NextAttempt:   receptionTime,
		ReceptionTime: receptionTime,
	}

	if itemType == ItemTypeInline {
		if w.ItemContent == nil {
			return nil, errors.Wrap(ErrInvalidFormat, "inline message without item_content")
		}
		if len(*w.ItemContent) > MaxInlineSize {
			return nil, errors.Wrapf(ErrInvalidFormat, "item_content larger than %d bytes", MaxInlineSize)
		}
		if HashItemContent([]byte(*w.ItemContent)) != w.ItemHash {
			return nil, errors.Wrap(ErrInvalidFormat, "item_hash does not match item_content")
		}
		pending.ItemContent = w.ItemContent
	} else if w.ItemContent != nil {
		return nil, errors.Wrapf(ErrInvalidFormat, "item_content set on a %s message", itemType)
	}

	return pending, nil
}

// CheckTimeWindow rejects declared times too far from the node clock.
func CheckTimeWindow(msgTime, now time.Time) error {
	if msgTime.Before(now.Add(-MaxTimeInPast)) {
		return errors.Wrap(ErrInvalidFormat, "time in past")
	}
	if msgTime.After(now.Add(MaxTimeInFuture)) {
		return errors.Wrap(ErrInvalidFormat, "time in future")
	}
	return nil
}

// CheckRawContent rejects payloads the node never accepts, regardless of
// type: NUL bytes and their JSON escape break the JSON column type of the
// store.
func CheckRawContent(raw []byte) error {
	if bytes.IndexByte(raw, 0) >= 0 || strings.Contains(string(raw), "\\u0000") {
		return errors.Wrap(ErrInvalidContent, "null byte in content")
	}
	return nil
}
