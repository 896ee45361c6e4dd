package chains

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/mq"
	"github.com/aleph-im/aleph-node/types"
)

// HeightMirror exposes the last seen block height per chain, for
// operators and the status API. The node cache implements it.
type HeightMirror interface {
	SetSyncHeight(ctx context.Context, chain string, height int64) error
	GetSyncHeight(ctx context.Context, chain string) (int64, error)
}

// PendingTxPublisher persists observed chain transactions and announces
// them on the pending-tx exchange for the tx processor.
type PendingTxPublisher struct {
	store   *db.Store
	mq      *mq.Client
	heights HeightMirror
}

// NewPendingTxPublisher builds the publisher. heights may be nil.
func NewPendingTxPublisher(store *db.Store, client *mq.Client, heights HeightMirror) *PendingTxPublisher {
	return &PendingTxPublisher{store: store, mq: client, heights: heights}
}

// Publish records the transaction and its pending marker in one
// transaction, then announces it. Replays are harmless: the rows upsert
// and the tx processor drops already-materialized txs.
func (p *PendingTxPublisher) Publish(ctx context.Context, tx *types.ChainTx) error {
	if tx.Hash == "" || tx.Publisher == "" {
		return errors.Wrap(types.ErrInvalidFormat, "chain tx without hash or publisher")
	}
	err := p.store.WithTx(ctx, func(dbTx *sqlx.Tx) error {
		if err := db.UpsertChainTx(ctx, dbTx, tx); err != nil {
			return err
		}
		return db.UpsertPendingTx(ctx, dbTx, tx.Hash)
	})
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"tx_hash": tx.Hash})
	if err != nil {
		return errors.Wrap(err, "could not encode pending tx notification")
	}
	if err := p.mq.PublishPendingTx(ctx, tx.Chain, tx.Publisher, tx.Hash, body); err != nil {
		// The tx processor also polls the pending_txs table, so a lost
		// notification only delays materialization.
		log.WithError(err).WithField("tx_hash", tx.Hash).Warn("Could not announce pending tx")
	}
	p.mirrorHeight(ctx, tx)
	return nil
}

// mirrorHeight advances the cached per-chain height. Readers can replay
// old windows, so the mirror only ever moves forward.
func (p *PendingTxPublisher) mirrorHeight(ctx context.Context, tx *types.ChainTx) {
	if p.heights == nil || tx.Height <= 0 {
		return
	}
	current, err := p.heights.GetSyncHeight(ctx, string(tx.Chain))
	if err == nil && current >= tx.Height {
		return
	}
	if err := p.heights.SetSyncHeight(ctx, string(tx.Chain), tx.Height); err != nil {
		log.WithError(err).WithField("chain", tx.Chain).Warn("Could not mirror sync height")
	}
}
