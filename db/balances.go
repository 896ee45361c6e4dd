package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/aleph-im/aleph-node/types"
)

// GetTotalBalance sums an address's balances across chains and dapps.
func GetTotalBalance(ctx context.Context, q Querier, address string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := sqlx.GetContext(ctx, q, &balance, `
		SELECT COALESCE(SUM(balance), 0) FROM balances WHERE address = $1`, address)
	return balance, errors.Wrap(err, "could not get total balance")
}

// UpdateBalances applies a balance snapshot post: one chain and dapp, many
// addresses at once. Heights only move forward.
func UpdateBalances(ctx context.Context, q Querier, chain types.Chain, dapp string, ethHeight int64, balances map[string]decimal.Decimal, updateTime time.Time) error {
	for address, balance := range balances {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO balances (address, chain, dapp, balance, eth_height, last_update)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (address, chain, dapp) DO UPDATE
				SET balance = EXCLUDED.balance,
				    eth_height = EXCLUDED.eth_height,
				    last_update = EXCLUDED.last_update
				WHERE balances.eth_height <= EXCLUDED.eth_height`,
			address, chain, dapp, balance, ethHeight, updateTime,
		); err != nil {
			return errors.Wrap(err, "could not upsert balance")
		}
	}
	return nil
}

// GetTotalCostFor sums the held costs already charged to an address.
func GetTotalCostFor(ctx context.Context, q Querier, address string, paymentType types.PaymentType) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := sqlx.GetContext(ctx, q, &total, `
		SELECT COALESCE(SUM(cost_hold), 0) FROM account_costs
		WHERE owner = $1 AND payment_type = $2`,
		address, paymentType,
	)
	return total, errors.Wrap(err, "could not get total cost")
}

// GetTotalFlowFor sums the per-second flow rates already charged to an
// address under a streaming payment type.
func GetTotalFlowFor(ctx context.Context, q Querier, address string, paymentType types.PaymentType) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := sqlx.GetContext(ctx, q, &total, `
		SELECT COALESCE(SUM(cost_stream), 0) FROM account_costs
		WHERE owner = $1 AND payment_type = $2`,
		address, paymentType,
	)
	return total, errors.Wrap(err, "could not get total flow")
}

// InsertAccountCosts writes the cost breakdown of one message.
func InsertAccountCosts(ctx context.Context, q Querier, costs []*types.AccountCost) error {
	for _, cost := range costs {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO account_costs
				(owner, item_hash, type, name, ref, payment_type, cost_hold, cost_stream, cost_credit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (owner, item_hash, type, name) DO UPDATE
				SET cost_hold = EXCLUDED.cost_hold,
				    cost_stream = EXCLUDED.cost_stream,
				    cost_credit = EXCLUDED.cost_credit`,
			cost.Owner, cost.ItemHash, cost.Type, cost.Name, cost.Ref,
			cost.PaymentType, cost.CostHold, cost.CostStream, cost.CostCredit,
		); err != nil {
			return errors.Wrap(err, "could not insert account cost")
		}
	}
	return nil
}

// DeleteAccountCosts releases the costs charged by one message.
func DeleteAccountCosts(ctx context.Context, q Querier, itemHash string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM account_costs WHERE item_hash = $1`, itemHash)
	return errors.Wrap(err, "could not delete account costs")
}

// GetAccountCosts returns the cost rows of one message.
func GetAccountCosts(ctx context.Context, q Querier, itemHash string) ([]*types.AccountCost, error) {
	var costs []*types.AccountCost
	err := sqlx.SelectContext(ctx, q, &costs, `
		SELECT * FROM account_costs WHERE item_hash = $1 ORDER BY id`, itemHash)
	return costs, errors.Wrap(err, "could not select account costs")
}
