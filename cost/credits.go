package cost

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

// timeNow is swapped in tests.
var timeNow = time.Now

// creditPrecisionCutoff marks the ledger scale change: amounts from
// messages before it are multiplied by 10 000 at insertion to match the
// post-cutoff precision.
var creditPrecisionCutoff = time.Unix(1743731879, 0).UTC()

const creditPrecisionMultiplier = 10_000

func scaleCreditAmount(amount int64, messageTimestamp time.Time) int64 {
	if messageTimestamp.Before(creditPrecisionCutoff) {
		return amount * creditPrecisionMultiplier
	}
	return amount
}

// ComputeCreditBalance evaluates a ledger with FIFO semantics: each
// expense, in message-timestamp order, consumes the oldest credits still
// valid at its timestamp. The balance is what remains of credits still
// valid at now.
func ComputeCreditBalance(rows []*types.CreditHistory, now time.Time) int64 {
	type credit struct {
		remaining  int64
		expiration *time.Time
	}
	var credits []*credit

	validAt := func(c *credit, t time.Time) bool {
		return c.expiration == nil || c.expiration.After(t)
	}

	for _, row := range rows {
		if row.Amount >= 0 {
			credits = append(credits, &credit{remaining: row.Amount, expiration: row.ExpirationDate})
			continue
		}
		owed := -row.Amount
		for _, c := range credits {
			if owed == 0 {
				break
			}
			if c.remaining == 0 || !validAt(c, row.MessageTimestamp) {
				continue
			}
			consumed := c.remaining
			if consumed > owed {
				consumed = owed
			}
			c.remaining -= consumed
			owed -= consumed
		}
	}

	var balance int64
	for _, c := range credits {
		if validAt(c, now) {
			balance += c.remaining
		}
	}
	return balance
}

// GetCreditBalance returns the credit balance of an address at now,
// reusing the cached evaluation when no ledger write or credit
// expiration invalidated it.
func GetCreditBalance(ctx context.Context, q db.Querier, address string, now time.Time) (int64, error) {
	cached, err := db.GetCreditBalanceCache(ctx, q, address)
	if err != nil {
		return 0, err
	}
	if cached != nil {
		updated, err := db.HasCreditUpdatesSince(ctx, q, address, cached.LastUpdate)
		if err != nil {
			return 0, err
		}
		expired, err := db.HasCreditExpirationsBetween(ctx, q, address, cached.LastUpdate, now)
		if err != nil {
			return 0, err
		}
		if !updated && !expired {
			return cached.Balance, nil
		}
	}

	rows, err := db.GetCreditHistory(ctx, q, address)
	if err != nil {
		return 0, err
	}
	balance := ComputeCreditBalance(rows, now)
	if err := db.UpsertCreditBalanceCache(ctx, q, address, balance, now); err != nil {
		return 0, err
	}
	return balance, nil
}

// CreditEntry is one address line of a credit POST payload.
type CreditEntry struct {
	Address        string     `json:"address"`
	Amount         int64      `json:"amount"`
	Ref            *string    `json:"ref"`
	Price          *string    `json:"price"`
	BonusAmount    *int64     `json:"bonus_amount"`
	PaymentMethod  *string    `json:"payment_method"`
	Origin         *string    `json:"origin"`
	ExpirationDate *time.Time `json:"expiration_date"`
}

// CreditDistribution is the payload of an aleph_credit_distribution
// POST.
type CreditDistribution struct {
	Credits  []CreditEntry `json:"credits"`
	Token    string        `json:"token"`
	Chain    types.Chain   `json:"chain"`
	Provider *string       `json:"provider"`
	TxHash   *string       `json:"tx_hash"`
}

// ParseCreditDistribution decodes the {"distribution": ...} envelope.
func ParseCreditDistribution(raw json.RawMessage) (*CreditDistribution, error) {
	var envelope struct {
		Distribution *CreditDistribution `json:"distribution"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(types.ErrInvalidContent, err.Error())
	}
	if envelope.Distribution == nil || len(envelope.Distribution.Credits) == 0 {
		return nil, errors.Wrap(types.ErrInvalidContent, "credit distribution without credits")
	}
	if envelope.Distribution.Token == "" || envelope.Distribution.Chain == "" {
		return nil, errors.Wrap(types.ErrInvalidContent, "credit distribution without token or chain")
	}
	return envelope.Distribution, nil
}

// CreditExpense is the payload of an aleph_credit_expense POST.
type CreditExpense struct {
	Credits []CreditEntry `json:"credits"`
}

// ParseCreditExpense decodes the {"expense": ...} envelope.
func ParseCreditExpense(raw json.RawMessage) (*CreditExpense, error) {
	var envelope struct {
		Expense *CreditExpense `json:"expense"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(types.ErrInvalidContent, err.Error())
	}
	if envelope.Expense == nil || len(envelope.Expense.Credits) == 0 {
		return nil, errors.Wrap(types.ErrInvalidContent, "credit expense without credits")
	}
	return envelope.Expense, nil
}

// CreditTransfer is the payload of an aleph_credit_transfer POST.
type CreditTransfer struct {
	Credits []CreditEntry `json:"credits"`
}

// ParseCreditTransfer decodes the {"transfer": ...} envelope.
func ParseCreditTransfer(raw json.RawMessage) (*CreditTransfer, error) {
	var envelope struct {
		Transfer *CreditTransfer `json:"transfer"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.Wrap(types.ErrInvalidContent, err.Error())
	}
	if envelope.Transfer == nil || len(envelope.Transfer.Credits) == 0 {
		return nil, errors.Wrap(types.ErrInvalidContent, "credit transfer without credits")
	}
	return envelope.Transfer, nil
}

// DistributionRows turns a distribution into positive ledger rows keyed
// by the message hash.
func DistributionRows(distribution *CreditDistribution, messageHash string, messageTime time.Time) []*types.CreditHistory {
	origin := "distribution"
	rows := make([]*types.CreditHistory, 0, len(distribution.Credits))
	for i, entry := range distribution.Credits {
		rows = append(rows, &types.CreditHistory{
			CreditRef:        messageHash,
			CreditIndex:      i,
			Address:          entry.Address,
			Amount:           scaleCreditAmount(entry.Amount, messageTime),
			Price:            entry.Price,
			BonusAmount:      entry.BonusAmount,
			TxHash:           distribution.TxHash,
			Token:            &distribution.Token,
			Chain:            &distribution.Chain,
			Provider:         distribution.Provider,
			Origin:           &origin,
			OriginRef:        entry.Ref,
			PaymentMethod:    entry.PaymentMethod,
			ExpirationDate:   entry.ExpirationDate,
			MessageTimestamp: messageTime,
			LastUpdate:       timeNow(),
		})
	}
	return rows
}

// ExpenseRows turns an expense into negative ledger rows.
func ExpenseRows(expense *CreditExpense, messageHash string, messageTime time.Time) []*types.CreditHistory {
	origin := "expense"
	rows := make([]*types.CreditHistory, 0, len(expense.Credits))
	for i, entry := range expense.Credits {
		amount := entry.Amount
		if amount > 0 {
			amount = -amount
		}
		rows = append(rows, &types.CreditHistory{
			CreditRef:        messageHash,
			CreditIndex:      i,
			Address:          entry.Address,
			Amount:           scaleCreditAmount(amount, messageTime),
			Origin:           &origin,
			OriginRef:        entry.Ref,
			MessageTimestamp: messageTime,
			LastUpdate:       timeNow(),
		})
	}
	return rows
}

// TransferRows turns a transfer into paired ledger rows: a debit on the
// sender and a credit on each recipient.
func TransferRows(transfer *CreditTransfer, sender, messageHash string, messageTime time.Time) []*types.CreditHistory {
	origin := "transfer"
	now := timeNow()
	rows := make([]*types.CreditHistory, 0, 2*len(transfer.Credits))
	for i, entry := range transfer.Credits {
		amount := scaleCreditAmount(entry.Amount, messageTime)
		rows = append(rows,
			&types.CreditHistory{
				CreditRef:        messageHash,
				CreditIndex:      2 * i,
				Address:          sender,
				Amount:           -amount,
				Origin:           &origin,
				OriginRef:        &entry.Address,
				MessageTimestamp: messageTime,
				LastUpdate:       now,
			},
			&types.CreditHistory{
				CreditRef:        messageHash,
				CreditIndex:      2*i + 1,
				Address:          entry.Address,
				Amount:           amount,
				Origin:           &origin,
				ExpirationDate:   entry.ExpirationDate,
				MessageTimestamp: messageTime,
				LastUpdate:       now,
			},
		)
	}
	return rows
}

// ValidateCreditTransfer checks the sender can cover the whole transfer.
func ValidateCreditTransfer(ctx context.Context, q db.Querier, sender string, transfer *CreditTransfer, messageTime time.Time) error {
	var total int64
	for _, entry := range transfer.Credits {
		total += scaleCreditAmount(entry.Amount, messageTime)
	}
	balance, err := GetCreditBalance(ctx, q, sender, timeNow())
	if err != nil {
		return err
	}
	if balance < total {
		return errors.Wrapf(types.ErrInsufficientBalance,
			"credit balance %d below transfer total %d", balance, total)
	}
	return nil
}
