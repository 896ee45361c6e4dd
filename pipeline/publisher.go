package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/mq"
	"github.com/aleph-im/aleph-node/types"
)

// Publisher is the admission stage: it validates wire messages arriving
// over HTTP or pubsub, records them as pending and wakes the pipeline
// up.
type Publisher struct {
	store *db.Store
	mq    *mq.Client
}

// NewPublisher builds the admission stage.
func NewPublisher(store *db.Store, client *mq.Client) *Publisher {
	return &Publisher{store: store, mq: client}
}

// Admit validates a wire message and inserts the pending row and its
// PENDING status in one transaction. Schema failures leave a rejection
// row, except when the item hash itself is missing and there is nothing
// to key it on. Resubmissions of an in-flight message are idempotent.
func (p *Publisher) Admit(ctx context.Context, wire *types.MessageWire) (*types.PendingMessage, error) {
	now := time.Now().UTC()
	pending, err := types.ParsePendingMessage(wire, now, true, nil)
	if err != nil {
		if wire.ItemHash != "" {
			p.rejectWire(ctx, wire, types.ClassifyError(err), now)
		}
		return nil, err
	}

	err = p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := db.PendingMessageExists(ctx, tx, pending.ItemHash, pending.Sender, pending.Signature)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		status, err := db.GetMessageStatus(ctx, tx, pending.ItemHash)
		if err != nil {
			return err
		}
		if status == nil {
			if err := db.UpsertMessageStatus(ctx, tx, pending.ItemHash, types.MessageStatusPending, now); err != nil {
				return err
			}
		}
		return db.InsertPendingMessage(ctx, tx, pending)
	})
	if err != nil {
		return nil, err
	}
	messagesAdmitted.Inc()

	body, err := json.Marshal(map[string]string{"item_hash": pending.ItemHash})
	if err == nil && p.mq != nil {
		if err := p.mq.PublishPendingMessage(ctx, pending.ItemHash, body); err != nil {
			// The fetcher also polls the table; a lost wakeup only
			// delays the message.
			log.WithError(err).WithField("item_hash", pending.ItemHash).
				Warn("Could not announce pending message")
		}
	}
	return pending, nil
}

// rejectWire records a malformed submission so its status stays
// queryable.
func (p *Publisher) rejectWire(ctx context.Context, wire *types.MessageWire, perr *types.ProcessingError, now time.Time) {
	raw, err := json.Marshal(wire)
	if err != nil {
		return
	}
	err = p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		rejected := &types.RejectedMessage{
			ItemHash:  wire.ItemHash,
			Message:   raw,
			ErrorCode: perr.Code,
			Details:   perr.DetailsJSON(),
		}
		if err := db.UpsertRejectedMessage(ctx, tx, rejected); err != nil {
			return err
		}
		return markRejected(ctx, tx, wire.ItemHash, now)
	})
	if err != nil {
		log.WithError(err).WithField("item_hash", wire.ItemHash).
			Error("Could not record rejected submission")
	}
}
