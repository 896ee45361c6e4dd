package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/container/multirange"
	"github.com/aleph-im/aleph-node/types"
)

// UpsertChainTx records an observed transaction. Replays keep the first
// version.
func UpsertChainTx(ctx context.Context, q Querier, tx *types.ChainTx) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO chain_txs
			(hash, chain, height, datetime, publisher, protocol, protocol_version, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hash) DO NOTHING`,
		tx.Hash, tx.Chain, tx.Height, tx.Datetime, tx.Publisher,
		tx.Protocol, tx.ProtocolVersion, []byte(tx.Content),
	)
	return errors.Wrap(err, "could not upsert chain tx")
}

// GetChainTx loads one transaction, or nil when unknown.
func GetChainTx(ctx context.Context, q Querier, hash string) (*types.ChainTx, error) {
	var tx types.ChainTx
	err := sqlx.GetContext(ctx, q, &tx, `SELECT * FROM chain_txs WHERE hash = $1`, hash)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get chain tx")
	}
	return &tx, nil
}

// UpsertPendingTx marks a transaction as awaiting materialization.
func UpsertPendingTx(ctx context.Context, q Querier, txHash string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO pending_txs (tx_hash) VALUES ($1) ON CONFLICT DO NOTHING`, txHash)
	return errors.Wrap(err, "could not upsert pending tx")
}

// GetPendingTxs returns pending transactions joined with their ChainTx,
// oldest blocks first.
func GetPendingTxs(ctx context.Context, q Querier, limit int) ([]*types.ChainTx, error) {
	var txs []*types.ChainTx
	err := sqlx.SelectContext(ctx, q, &txs, `
		SELECT t.* FROM pending_txs p
		JOIN chain_txs t ON t.hash = p.tx_hash
		ORDER BY t.datetime
		LIMIT $1`,
		limit,
	)
	return txs, errors.Wrap(err, "could not select pending txs")
}

// CountPendingTxs returns the pending tx backlog size.
func CountPendingTxs(ctx context.Context, q Querier) (int64, error) {
	var count int64
	err := sqlx.GetContext(ctx, q, &count, `SELECT COUNT(*) FROM pending_txs`)
	return count, errors.Wrap(err, "could not count pending txs")
}

// DeletePendingTx removes a fully materialized transaction pointer.
func DeletePendingTx(ctx context.Context, q Querier, txHash string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM pending_txs WHERE tx_hash = $1`, txHash)
	return errors.Wrap(err, "could not delete pending tx")
}

// GetLastHeight returns the resumable height cursor of a chain, or -1 when
// syncing never started.
func GetLastHeight(ctx context.Context, q Querier, chain types.Chain, syncType types.ChainSyncType) (int64, error) {
	var height int64
	err := sqlx.GetContext(ctx, q, &height, `
		SELECT height FROM chain_sync_status WHERE chain = $1 AND type = $2`,
		chain, syncType,
	)
	if IsNotFound(err) {
		return -1, nil
	}
	return height, errors.Wrap(err, "could not get last height")
}

// UpsertChainSyncStatus advances the height cursor of a chain.
func UpsertChainSyncStatus(ctx context.Context, q Querier, chain types.Chain, syncType types.ChainSyncType, height int64, updateTime time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO chain_sync_status (chain, type, height, last_update)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain, type) DO UPDATE
			SET height = EXCLUDED.height, last_update = EXCLUDED.last_update`,
		chain, syncType, height, updateTime,
	)
	return errors.Wrap(err, "could not upsert chain sync status")
}

// GetIndexerMultiRange loads the synced datetime windows of an indexer as
// a multirange.
func GetIndexerMultiRange(ctx context.Context, q Querier, chain types.Chain, eventType string) (*multirange.MultiRange, error) {
	var rows []*types.IndexerSyncStatus
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT * FROM indexer_sync_status
		WHERE chain = $1 AND event_type = $2
		ORDER BY start_block_datetime`,
		chain, eventType,
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not select indexer sync status")
	}
	mr := multirange.New()
	for _, row := range rows {
		mr.Add(multirange.Range{
			Lower:    row.StartBlock,
			Upper:    row.EndBlock,
			LowerInc: row.StartInclusive,
			UpperInc: row.EndInclusive,
		})
	}
	return mr, nil
}

// AddIndexerRange merges a newly synced window into the persisted
// multirange, rewriting the rows of the affected (chain, event type).
func AddIndexerRange(ctx context.Context, q Querier, chain types.Chain, eventType string, r multirange.Range, updateTime time.Time) error {
	mr, err := GetIndexerMultiRange(ctx, q, chain, eventType)
	if err != nil {
		return err
	}
	mr.Add(r)

	if _, err := q.ExecContext(ctx, `
		DELETE FROM indexer_sync_status WHERE chain = $1 AND event_type = $2`,
		chain, eventType,
	); err != nil {
		return errors.Wrap(err, "could not clear indexer sync status")
	}
	for _, merged := range mr.Ranges() {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO indexer_sync_status
				(chain, event_type, start_block_datetime, end_block_datetime,
				 start_included, end_included, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			chain, eventType, merged.Lower, merged.Upper,
			merged.LowerInc, merged.UpperInc, updateTime,
		); err != nil {
			return errors.Wrap(err, "could not insert indexer sync status")
		}
	}
	return nil
}
