package db

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/types"
)

// The tests below run against a live Postgres, gated on
// TEST_DATABASE_URL. Every test does its work inside one transaction
// and rolls it back, so the database is left untouched.
var errRollback = errors.New("rollback test transaction")

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	store, err := NewStore(context.Background(), dsn, 4)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func inTx(t *testing.T, store *Store, fn func(tx *sqlx.Tx)) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		fn(tx)
		return errRollback
	})
	require.ErrorIs(t, err, errRollback)
}

// The pipeline bills a message inside the transaction that writes it;
// the message row must come first to satisfy the account_costs foreign
// key.
func TestAccountCostsCommitWithMessage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	message := &types.Message{
		ItemHash:  "it-cost-msg",
		Type:      types.MessageTypeInstance,
		Chain:     types.ChainEthereum,
		Sender:    "0xabc",
		Signature: "sig",
		ItemType:  types.ItemTypeInline,
		Content:   json.RawMessage(`{}`),
		Time:      time.Now().UTC(),
		Size:      2,
	}
	cost := &types.AccountCost{
		Owner:       "0xabc",
		ItemHash:    message.ItemHash,
		Type:        types.CostTypeExecution,
		Name:        "execution",
		PaymentType: types.PaymentTypeHold,
		CostHold:    decimal.NewFromInt(1),
	}

	inTx(t, store, func(tx *sqlx.Tx) {
		require.NoError(t, UpsertMessage(ctx, tx, message))
		require.NoError(t, InsertAccountCosts(ctx, tx, []*types.AccountCost{cost}))
		require.NoError(t, UpsertMessageStatus(ctx, tx, message.ItemHash,
			types.MessageStatusProcessed, message.Time))

		costs, err := GetAccountCosts(ctx, tx, message.ItemHash)
		require.NoError(t, err)
		require.Len(t, costs, 1)
		assert.True(t, costs[0].CostHold.Equal(cost.CostHold))
	})
}

func TestAccountCostsRequireMessageRow(t *testing.T) {
	store := openTestStore(t)
	cost := &types.AccountCost{
		Owner:       "0xabc",
		ItemHash:    "it-no-such-message",
		Type:        types.CostTypeExecution,
		Name:        "execution",
		PaymentType: types.PaymentTypeHold,
	}
	inTx(t, store, func(tx *sqlx.Tx) {
		err := InsertAccountCosts(context.Background(), tx, []*types.AccountCost{cost})
		require.Error(t, err, "costs without a message row must violate the foreign key")
	})
}

// Grace-period pins carry no item hash; one file entering its grace
// window must not block another file from entering its own.
func TestGracePeriodPinsPerFile(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	deleteBy := now.Add(24 * time.Hour)

	inTx(t, store, func(tx *sqlx.Tx) {
		for _, hash := range []string{"it-grace-a", "it-grace-b"} {
			require.NoError(t, UpsertStoredFile(ctx, tx, &types.StoredFile{
				Hash: hash, Size: 4, Type: types.FileTypeFile,
			}))
			require.NoError(t, InsertGracePeriodPin(ctx, tx, hash, now, deleteBy))
		}
		for _, hash := range []string{"it-grace-a", "it-grace-b"} {
			count, err := CountFilePins(ctx, tx, hash)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count, hash)
		}
	})
}

// TX pins carry no item hash either: every synced archive keeps its own
// pin, while pins with an item hash still dedup on (item_hash, type).
func TestFilePinsWithoutItemHashStack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inTx(t, store, func(tx *sqlx.Tx) {
		for _, archive := range []struct{ cid, txHash string }{
			{"it-archive-a", "0xtx-a"},
			{"it-archive-b", "0xtx-b"},
		} {
			require.NoError(t, UpsertStoredFile(ctx, tx, &types.StoredFile{
				Hash: archive.cid, Size: 8, Type: types.FileTypeFile,
			}))
			txHash := archive.txHash
			require.NoError(t, InsertFilePin(ctx, tx, &types.FilePin{
				FileHash: archive.cid,
				Created:  now,
				Type:     types.FilePinTypeTx,
				TxHash:   &txHash,
			}))
		}
		for _, cid := range []string{"it-archive-a", "it-archive-b"} {
			count, err := CountFilePins(ctx, tx, cid)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count, "every synced archive keeps its own pin")
		}

		itemHash := "it-store-msg"
		pin := &types.FilePin{
			FileHash: "it-archive-a",
			Created:  now,
			Type:     types.FilePinTypeContent,
			ItemHash: &itemHash,
		}
		require.NoError(t, InsertFilePin(ctx, tx, pin))
		require.NoError(t, InsertFilePin(ctx, tx, pin))
		count, err := CountFilePins(ctx, tx, "it-archive-a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count, "replayed content pins do not stack")
	})
}
