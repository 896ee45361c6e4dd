package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// InsertPendingMessage adds a retry record. Duplicate submissions of the
// same (item_hash, sender, signature) are ignored.
func InsertPendingMessage(ctx context.Context, q Querier, pending *types.PendingMessage) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO pending_messages
			(item_hash, type, chain, sender, signature, item_type, item_content, content,
			 time, channel, retries, next_attempt, check_message, fetched, tx_hash, reception_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (item_hash, sender, COALESCE(signature, '')) DO NOTHING`,
		pending.ItemHash, pending.Type, pending.Chain, pending.Sender, pending.Signature,
		pending.ItemType, pending.ItemContent, rawOrNil(pending.Content), pending.Time,
		pending.Channel, pending.Retries, pending.NextAttempt, pending.CheckMessage,
		pending.Fetched, pending.TxHash, pending.ReceptionTime,
	)
	return errors.Wrap(err, "could not insert pending message")
}

func rawOrNil(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// GetPendingMessage reloads a pending row by id, or nil when another
// worker already consumed it.
func GetPendingMessage(ctx context.Context, q Querier, id int64) (*types.PendingMessage, error) {
	var pending types.PendingMessage
	err := sqlx.GetContext(ctx, q, &pending, `SELECT * FROM pending_messages WHERE id = $1`, id)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get pending message")
	}
	return &pending, nil
}

// PendingMessageExists reports whether a pending row already exists for
// the exact (item_hash, sender, signature) triple.
func PendingMessageExists(ctx context.Context, q Querier, itemHash, sender string, signature *string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM pending_messages
			WHERE item_hash = $1 AND sender = $2 AND COALESCE(signature, '') = COALESCE($3, '')
		)`,
		itemHash, sender, signature,
	)
	return exists, errors.Wrap(err, "could not check pending message existence")
}

// GetNextPendingMessages selects up to limit rows ready for the given
// stage, skipping hashes (and, for the processing stage, senders) already
// in flight.
func GetNextPendingMessages(ctx context.Context, q Querier, fetched bool, limit int, excludeHashes, excludeSenders []string) ([]*types.PendingMessage, error) {
	var pendings []*types.PendingMessage
	err := sqlx.SelectContext(ctx, q, &pendings, `
		SELECT * FROM pending_messages
		WHERE fetched = $1
		  AND next_attempt <= NOW()
		  AND NOT (item_hash = ANY($2))
		  AND NOT (sender = ANY($3))
		ORDER BY next_attempt
		LIMIT $4`,
		fetched, types.StringArray(excludeHashes), types.StringArray(excludeSenders), limit,
	)
	return pendings, errors.Wrap(err, "could not select pending messages")
}

// CountPendingMessages returns the pending backlog size.
func CountPendingMessages(ctx context.Context, q Querier) (int64, error) {
	var count int64
	err := sqlx.GetContext(ctx, q, &count, `SELECT COUNT(*) FROM pending_messages`)
	return count, errors.Wrap(err, "could not count pending messages")
}

// MarkPendingMessageFetched stores the resolved content and resets the
// retry counter for the processing stage.
func MarkPendingMessageFetched(ctx context.Context, q Querier, id int64, content json.RawMessage) error {
	_, err := q.ExecContext(ctx, `
		UPDATE pending_messages
		SET fetched = TRUE, retries = 0, next_attempt = NOW(), content = $2
		WHERE id = $1`,
		id, rawOrNil(content),
	)
	return errors.Wrap(err, "could not mark pending message fetched")
}

// ReschedulePendingMessage bumps the retry counter and delays the next
// attempt.
func ReschedulePendingMessage(ctx context.Context, q Querier, id int64, retries int, nextAttempt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE pending_messages SET retries = $2, next_attempt = $3 WHERE id = $1`,
		id, retries, nextAttempt,
	)
	return errors.Wrap(err, "could not reschedule pending message")
}

// DeletePendingMessage removes a consumed retry record.
func DeletePendingMessage(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM pending_messages WHERE id = $1`, id)
	return errors.Wrap(err, "could not delete pending message")
}
