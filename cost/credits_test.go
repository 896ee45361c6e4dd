package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/types"
)

func ts(seconds int64) time.Time {
	return creditPrecisionCutoff.Add(time.Duration(seconds) * time.Second)
}

func creditRow(index int, amount int64, at int64, expiration *time.Time) *types.CreditHistory {
	return &types.CreditHistory{
		CreditRef:        "ref",
		CreditIndex:      index,
		Address:          "addr",
		Amount:           amount,
		ExpirationDate:   expiration,
		MessageTimestamp: ts(at),
	}
}

func TestComputeCreditBalanceFifoWithExpiration(t *testing.T) {
	expiry := ts(100)
	rows := []*types.CreditHistory{
		creditRow(0, 1000, 1, nil),
		creditRow(1, 1000, 2, &expiry),
		creditRow(2, -1500, 3, nil),
	}

	// The expense consumes the oldest credit first: all of the
	// non-expiring 1000, then 500 of the expiring one.
	assert.Equal(t, int64(500), ComputeCreditBalance(rows, ts(50)))

	// After the expiration, the expiring remainder is gone.
	assert.Equal(t, int64(0), ComputeCreditBalance(rows, ts(150)))
}

func TestComputeCreditBalanceExpirationBoundary(t *testing.T) {
	expiry := ts(10)
	rows := []*types.CreditHistory{
		creditRow(0, 100, 1, &expiry),
		creditRow(1, -100, 10, nil),
	}
	// A credit expiring exactly at the expense timestamp cannot pay it,
	// so it is still whole before its expiration.
	assert.Equal(t, int64(100), ComputeCreditBalance(rows, ts(5)))

	// One second earlier the expense goes through.
	rows[1].MessageTimestamp = ts(9)
	assert.Equal(t, int64(0), ComputeCreditBalance(rows, ts(5)))
}

func TestComputeCreditBalanceSkipsExpiredCredits(t *testing.T) {
	expiry := ts(5)
	rows := []*types.CreditHistory{
		creditRow(0, 100, 1, &expiry),
		creditRow(1, 200, 2, nil),
		creditRow(2, -100, 10, nil),
	}
	// The expired credit cannot satisfy the later expense; the
	// non-expiring one pays in full.
	assert.Equal(t, int64(100), ComputeCreditBalance(rows, ts(20)))
}

func TestComputeCreditBalanceOverdraft(t *testing.T) {
	rows := []*types.CreditHistory{
		creditRow(0, 100, 1, nil),
		creditRow(1, -500, 2, nil),
	}
	assert.Equal(t, int64(0), ComputeCreditBalance(rows, ts(10)))
}

func TestScaleCreditAmount(t *testing.T) {
	before := creditPrecisionCutoff.Add(-time.Hour)
	after := creditPrecisionCutoff.Add(time.Hour)
	assert.Equal(t, int64(10_000), scaleCreditAmount(1, before))
	assert.Equal(t, int64(1), scaleCreditAmount(1, after))
}

func TestParseCreditDistribution(t *testing.T) {
	raw := []byte(`{
		"distribution": {
			"token": "ALEPH",
			"chain": "ETH",
			"credits": [
				{"address": "0xaaa", "amount": 1000},
				{"address": "0xbbb", "amount": 500, "expiration_date": "2026-01-01T00:00:00Z"}
			]
		}
	}`)
	distribution, err := ParseCreditDistribution(raw)
	require.NoError(t, err)
	require.Len(t, distribution.Credits, 2)
	assert.Equal(t, "ALEPH", distribution.Token)
	require.NotNil(t, distribution.Credits[1].ExpirationDate)

	rows := DistributionRows(distribution, "hash", ts(1))
	require.Len(t, rows, 2)
	assert.Equal(t, "hash", rows[0].CreditRef)
	assert.Equal(t, 0, rows[0].CreditIndex)
	assert.Equal(t, int64(1000), rows[0].Amount)
	assert.Equal(t, "0xbbb", rows[1].Address)
}

func TestParseCreditDistributionRejectsEmpty(t *testing.T) {
	_, err := ParseCreditDistribution([]byte(`{"distribution": {"token": "ALEPH", "chain": "ETH", "credits": []}}`))
	require.Error(t, err)

	_, err = ParseCreditDistribution([]byte(`{"distribution": {"credits": [{"address": "0xaaa", "amount": 1}]}}`))
	require.Error(t, err)
}

func TestExpenseRowsAreNegative(t *testing.T) {
	expense, err := ParseCreditExpense([]byte(`{"expense": {"credits": [{"address": "0xaaa", "amount": 300}]}}`))
	require.NoError(t, err)

	rows := ExpenseRows(expense, "hash", ts(1))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-300), rows[0].Amount)
}

func TestTransferRowsPairDebitAndCredit(t *testing.T) {
	transfer, err := ParseCreditTransfer([]byte(`{"transfer": {"credits": [{"address": "0xbbb", "amount": 250}]}}`))
	require.NoError(t, err)

	rows := TransferRows(transfer, "0xaaa", "hash", ts(1))
	require.Len(t, rows, 2)
	assert.Equal(t, "0xaaa", rows[0].Address)
	assert.Equal(t, int64(-250), rows[0].Amount)
	assert.Equal(t, "0xbbb", rows[1].Address)
	assert.Equal(t, int64(250), rows[1].Amount)
	assert.Equal(t, 0, rows[0].CreditIndex)
	assert.Equal(t, 1, rows[1].CreditIndex)
}
