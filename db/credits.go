package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// InsertCreditHistory writes ledger rows. Replays of the same
// (credit_ref, credit_index) are ignored.
func InsertCreditHistory(ctx context.Context, q Querier, rows []*types.CreditHistory) error {
	for _, row := range rows {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO credit_history
				(credit_ref, credit_index, address, amount, price, bonus_amount, tx_hash,
				 token, chain, provider, origin, origin_ref, payment_method,
				 expiration_date, message_timestamp, last_update)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (credit_ref, credit_index) DO NOTHING`,
			row.CreditRef, row.CreditIndex, row.Address, row.Amount, row.Price,
			row.BonusAmount, row.TxHash, row.Token, row.Chain, row.Provider,
			row.Origin, row.OriginRef, row.PaymentMethod, row.ExpirationDate,
			row.MessageTimestamp, row.LastUpdate,
		); err != nil {
			return errors.Wrap(err, "could not insert credit history")
		}
	}
	return nil
}

// GetCreditHistory returns an address's ledger in message-timestamp
// order, the order the FIFO evaluation consumes it in.
func GetCreditHistory(ctx context.Context, q Querier, address string) ([]*types.CreditHistory, error) {
	var rows []*types.CreditHistory
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT * FROM credit_history
		WHERE address = $1
		ORDER BY message_timestamp, credit_ref, credit_index`,
		address,
	)
	return rows, errors.Wrap(err, "could not select credit history")
}

// GetCreditBalanceCache returns the cached FIFO evaluation, or nil.
func GetCreditBalanceCache(ctx context.Context, q Querier, address string) (*types.CreditBalance, error) {
	var row types.CreditBalance
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM credit_balances WHERE address = $1`, address)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get credit balance cache")
	}
	return &row, nil
}

// UpsertCreditBalanceCache stores a fresh FIFO evaluation.
func UpsertCreditBalanceCache(ctx context.Context, q Querier, address string, balance int64, updateTime time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_balances (address, balance, last_update)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE
			SET balance = EXCLUDED.balance, last_update = EXCLUDED.last_update`,
		address, balance, updateTime,
	)
	return errors.Wrap(err, "could not upsert credit balance cache")
}

// HasCreditUpdatesSince reports whether ledger rows for the address were
// written after the cache timestamp.
func HasCreditUpdatesSince(ctx context.Context, q Querier, address string, since time.Time) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM credit_history WHERE address = $1 AND last_update > $2
		)`,
		address, since,
	)
	return exists, errors.Wrap(err, "could not check credit updates")
}

// HasCreditExpirationsBetween reports whether any credit of the address
// expires in the half-open window (since, until].
func HasCreditExpirationsBetween(ctx context.Context, q Querier, address string, since, until time.Time) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM credit_history
			WHERE address = $1 AND amount > 0
			  AND expiration_date IS NOT NULL
			  AND expiration_date > $2 AND expiration_date <= $3
		)`,
		address, since, until,
	)
	return exists, errors.Wrap(err, "could not check credit expirations")
}
