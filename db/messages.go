package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// GetMessage returns the message with the given hash, or nil when absent.
func GetMessage(ctx context.Context, q Querier, itemHash string) (*types.Message, error) {
	var msg types.Message
	err := sqlx.GetContext(ctx, q, &msg, `SELECT * FROM messages WHERE item_hash = $1`, itemHash)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get message")
	}
	return &msg, nil
}

// MessageExists reports whether a message row exists for the hash.
func MessageExists(ctx context.Context, q Querier, itemHash string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, `SELECT EXISTS (SELECT 1 FROM messages WHERE item_hash = $1)`, itemHash)
	return exists, errors.Wrap(err, "could not check message existence")
}

// UpsertMessage inserts the message; on conflict the earliest declared
// time wins, everything else is left untouched.
func UpsertMessage(ctx context.Context, q Querier, msg *types.Message) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages
			(item_hash, type, chain, sender, signature, item_type, item_content, content, time, channel, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (item_hash) DO UPDATE SET time = LEAST(messages.time, EXCLUDED.time)`,
		msg.ItemHash, msg.Type, msg.Chain, msg.Sender, msg.Signature, msg.ItemType,
		msg.ItemContent, []byte(msg.Content), msg.Time, msg.Channel, msg.Size,
	)
	return errors.Wrap(err, "could not upsert message")
}

// DeleteMessage removes the message row.
func DeleteMessage(ctx context.Context, q Querier, itemHash string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM messages WHERE item_hash = $1`, itemHash)
	return errors.Wrap(err, "could not delete message")
}

// GetMessageStatus returns the status row for a hash, or nil when the hash
// was never seen.
func GetMessageStatus(ctx context.Context, q Querier, itemHash string) (*types.MessageStatusRow, error) {
	var row types.MessageStatusRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM message_status WHERE item_hash = $1`, itemHash)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get message status")
	}
	return &row, nil
}

// UpsertMessageStatus writes the status unconditionally.
func UpsertMessageStatus(ctx context.Context, q Querier, itemHash string, status types.MessageStatus, receptionTime time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO message_status (item_hash, status, reception_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_hash) DO UPDATE
			SET status = EXCLUDED.status,
			    reception_time = LEAST(message_status.reception_time, EXCLUDED.reception_time)`,
		itemHash, status, receptionTime,
	)
	return errors.Wrap(err, "could not upsert message status")
}

// SetMessageStatusWhere transitions the status only from expected states,
// keeping the lifecycle monotone under concurrent writers.
func SetMessageStatusWhere(ctx context.Context, q Querier, itemHash string, status types.MessageStatus, from ...types.MessageStatus) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE message_status SET status = $2
		WHERE item_hash = $1 AND status = ANY($3)`,
		itemHash, status, statusArray(from),
	)
	if err != nil {
		return false, errors.Wrap(err, "could not update message status")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "could not read rows affected")
}

func statusArray(statuses []types.MessageStatus) types.StringArray {
	out := make(types.StringArray, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// UpsertMessageConfirmation records that a chain transaction carried the
// message.
func UpsertMessageConfirmation(ctx context.Context, q Querier, itemHash, txHash string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO message_confirmations (item_hash, tx_hash)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		itemHash, txHash,
	)
	return errors.Wrap(err, "could not upsert confirmation")
}

// DeleteMessageConfirmations drops every confirmation of a message.
func DeleteMessageConfirmations(ctx context.Context, q Querier, itemHash string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM message_confirmations WHERE item_hash = $1`, itemHash)
	return errors.Wrap(err, "could not delete confirmations")
}

// GetUnconfirmedMessages returns up to limit messages that no chain
// transaction confirms yet, for the outbound sync archive.
func GetUnconfirmedMessages(ctx context.Context, q Querier, chain types.Chain, limit int) ([]*types.Message, error) {
	var msgs []*types.Message
	err := sqlx.SelectContext(ctx, q, &msgs, `
		SELECT m.* FROM messages m
		WHERE NOT EXISTS (
			SELECT 1 FROM message_confirmations c
			JOIN chain_txs t ON t.hash = c.tx_hash
			WHERE c.item_hash = m.item_hash AND t.chain = $1
		)
		ORDER BY m.time
		LIMIT $2`,
		chain, limit,
	)
	return msgs, errors.Wrap(err, "could not select unconfirmed messages")
}

// UpsertRejectedMessage records why a message was refused.
func UpsertRejectedMessage(ctx context.Context, q Querier, rejected *types.RejectedMessage) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO rejected_messages (item_hash, message, error_code, details, traceback)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (item_hash) DO UPDATE
			SET error_code = EXCLUDED.error_code,
			    details = EXCLUDED.details,
			    traceback = EXCLUDED.traceback`,
		rejected.ItemHash, []byte(rejected.Message), rejected.ErrorCode,
		[]byte(rejected.Details), rejected.Traceback,
	)
	return errors.Wrap(err, "could not upsert rejected message")
}

// DeleteRejectedMessage clears a previous rejection, for resubmissions.
func DeleteRejectedMessage(ctx context.Context, q Querier, itemHash string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM rejected_messages WHERE item_hash = $1`, itemHash)
	return errors.Wrap(err, "could not delete rejected message")
}

// GetForgottenMessage returns the tombstone for a hash, or nil.
func GetForgottenMessage(ctx context.Context, q Querier, itemHash string) (*types.ForgottenMessage, error) {
	var row types.ForgottenMessage
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM forgotten_messages WHERE item_hash = $1`, itemHash)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get forgotten message")
	}
	return &row, nil
}

// InsertForgottenMessage writes the tombstone of a forgotten message.
func InsertForgottenMessage(ctx context.Context, q Querier, row *types.ForgottenMessage) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO forgotten_messages
			(item_hash, type, chain, sender, signature, item_type, time, channel, forgotten_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (item_hash) DO NOTHING`,
		row.ItemHash, row.Type, row.Chain, row.Sender, row.Signature,
		row.ItemType, row.Time, row.Channel, row.ForgottenBy,
	)
	return errors.Wrap(err, "could not insert forgotten message")
}

// AppendToForgottenBy adds a forgetting message to an existing tombstone.
func AppendToForgottenBy(ctx context.Context, q Querier, itemHash, forgetHash string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE forgotten_messages
		SET forgotten_by = array_append(forgotten_by, $2)
		WHERE item_hash = $1 AND NOT ($2 = ANY(forgotten_by))`,
		itemHash, forgetHash,
	)
	return errors.Wrap(err, "could not append to forgotten_by")
}
