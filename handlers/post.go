package handlers

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/aleph-im/aleph-node/cost"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

const (
	amendPostType          = "amend"
	creditDistributionType = "aleph_credit_distribution"
	creditExpenseType      = "aleph_credit_expense"
	creditTransferType     = "aleph_credit_transfer"
)

// PostConfig names the senders whose POSTs mutate balances and credits.
type PostConfig struct {
	// BalancesPostType is the post type carrying balance snapshots.
	BalancesPostType string
	// BalancesAddresses may publish balance snapshots.
	BalancesAddresses []string
	// CreditAddresses may publish credit distributions and expenses, and
	// transfer without a balance check.
	CreditAddresses []string
	// Channels restricts balance and credit posts to these channels;
	// empty means any.
	Channels []string
}

func (c *PostConfig) channelAllowed(channel *string) bool {
	if len(c.Channels) == 0 {
		return true
	}
	if channel == nil {
		return false
	}
	for _, allowed := range c.Channels {
		if *channel == allowed {
			return true
		}
	}
	return false
}

func contains(haystack []string, needle string) bool {
	for _, value := range haystack {
		if value == needle {
			return true
		}
	}
	return false
}

// PostHandler projects POST messages, including the special balance and
// credit ledger posts published by authorized system addresses.
type PostHandler struct {
	noFetch
	config PostConfig
}

// NewPostHandler builds the POST handler.
func NewPostHandler(config PostConfig) *PostHandler {
	return &PostHandler{config: config}
}

// CheckDependencies verifies the amend target exists and can be amended.
// A missing target is transient: the original may still be in flight.
func (h *PostHandler) CheckDependencies(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParsePostContent(message.Content)
	if err != nil {
		return err
	}
	if content.Type != amendPostType {
		return nil
	}
	if content.Ref == nil || *content.Ref == "" {
		return errors.Wrap(types.ErrAmendNoTarget, message.ItemHash)
	}
	target, err := db.GetPost(ctx, q, *content.Ref)
	if err != nil {
		return err
	}
	if target == nil {
		return errors.Wrapf(types.ErrAmendTargetNotFound, "post %s", *content.Ref)
	}
	if target.Type == amendPostType {
		return errors.Wrapf(types.ErrAmendOfAmend, "post %s", *content.Ref)
	}
	return nil
}

// CheckPermissions requires amends to come from the original's owner,
// and balance/credit posts from their authorized addresses.
func (h *PostHandler) CheckPermissions(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParsePostContent(message.Content)
	if err != nil {
		return err
	}
	if content.Type == amendPostType && content.Ref != nil {
		target, err := db.GetPost(ctx, q, *content.Ref)
		if err != nil {
			return err
		}
		if target != nil && target.Owner != message.Sender {
			return errors.Wrapf(types.ErrPermissionDenied,
				"amend of %s by non-owner %s", *content.Ref, message.Sender)
		}
	}
	switch content.Type {
	case h.config.BalancesPostType:
		if h.isBalancePost(content, message) && !contains(h.config.BalancesAddresses, message.Sender) {
			return errors.Wrapf(types.ErrPermissionDenied, "balance post from %s", message.Sender)
		}
	case creditDistributionType, creditExpenseType:
		if h.isCreditPost(content, message) && !contains(h.config.CreditAddresses, message.Sender) {
			return errors.Wrapf(types.ErrPermissionDenied, "credit post from %s", message.Sender)
		}
	}
	return nil
}

func (h *PostHandler) isBalancePost(content *types.PostContent, message *types.Message) bool {
	return h.config.BalancesPostType != "" &&
		content.Type == h.config.BalancesPostType &&
		h.config.channelAllowed(message.Channel)
}

func (h *PostHandler) isCreditPost(content *types.PostContent, message *types.Message) bool {
	return h.config.channelAllowed(message.Channel)
}

// balanceSnapshot is the body of a balances post.
type balanceSnapshot struct {
	Chain      types.Chain                `json:"chain"`
	MainHeight int64                      `json:"main_height"`
	Dapp       *string                    `json:"dapp"`
	Balances   map[string]decimal.Decimal `json:"balances"`
}

// Process inserts the Post row and applies balance or credit side
// effects for authorized system posts.
func (h *PostHandler) Process(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParsePostContent(message.Content)
	if err != nil {
		return err
	}

	post := &types.Post{
		ItemHash:         message.ItemHash,
		Owner:            message.Sender,
		Type:             content.Type,
		Ref:              content.Ref,
		Channel:          message.Channel,
		Content:          content.Content,
		CreationDatetime: message.Time,
	}
	if content.Type == amendPostType {
		post.Amends = content.Ref
	}
	if err := db.InsertPost(ctx, q, post); err != nil {
		return err
	}
	if post.Amends != nil {
		if err := db.RefreshLatestAmend(ctx, q, *post.Amends); err != nil {
			return err
		}
	}

	switch {
	case h.isBalancePost(content, message) && contains(h.config.BalancesAddresses, message.Sender):
		return h.applyBalanceSnapshot(ctx, q, content, message)
	case content.Type == creditDistributionType && contains(h.config.CreditAddresses, message.Sender) && h.isCreditPost(content, message):
		distribution, err := cost.ParseCreditDistribution(content.Content)
		if err != nil {
			return err
		}
		return db.InsertCreditHistory(ctx, q, cost.DistributionRows(distribution, message.ItemHash, message.Time))
	case content.Type == creditExpenseType && contains(h.config.CreditAddresses, message.Sender) && h.isCreditPost(content, message):
		expense, err := cost.ParseCreditExpense(content.Content)
		if err != nil {
			return err
		}
		return db.InsertCreditHistory(ctx, q, cost.ExpenseRows(expense, message.ItemHash, message.Time))
	case content.Type == creditTransferType && h.isCreditPost(content, message):
		transfer, err := cost.ParseCreditTransfer(content.Content)
		if err != nil {
			return err
		}
		if !contains(h.config.CreditAddresses, message.Sender) {
			if err := cost.ValidateCreditTransfer(ctx, q, message.Sender, transfer, message.Time); err != nil {
				return err
			}
		}
		return db.InsertCreditHistory(ctx, q, cost.TransferRows(transfer, message.Sender, message.ItemHash, message.Time))
	}
	return nil
}

func (h *PostHandler) applyBalanceSnapshot(ctx context.Context, q db.Querier, content *types.PostContent, message *types.Message) error {
	var snapshot balanceSnapshot
	if err := json.Unmarshal(content.Content, &snapshot); err != nil {
		return errors.Wrap(types.ErrInvalidContent, err.Error())
	}
	if snapshot.Chain == "" || len(snapshot.Balances) == 0 {
		return errors.Wrap(types.ErrInvalidContent, "balance post without chain or balances")
	}
	dapp := ""
	if snapshot.Dapp != nil {
		dapp = *snapshot.Dapp
	}
	log.WithFields(map[string]interface{}{
		"chain":     snapshot.Chain,
		"addresses": len(snapshot.Balances),
	}).Info("Applying balance snapshot")
	return db.UpdateBalances(ctx, q, snapshot.Chain, dapp, snapshot.MainHeight, snapshot.Balances, message.Time)
}

// Forget deletes the post and repairs the amend chain.
func (h *PostHandler) Forget(ctx context.Context, q db.Querier, message *types.Message) error {
	post, err := db.GetPost(ctx, q, message.ItemHash)
	if err != nil {
		return err
	}
	if post == nil {
		return nil
	}
	if err := db.DeletePost(ctx, q, message.ItemHash); err != nil {
		return err
	}
	if post.Amends != nil {
		return db.RefreshLatestAmend(ctx, q, *post.Amends)
	}
	// Forgetting an original drops its amends too.
	amends, err := db.DeleteAmends(ctx, q, message.ItemHash)
	if err != nil {
		return err
	}
	if len(amends) > 0 {
		log.WithField("count", len(amends)).Debug("Dropped amends of forgotten post")
	}
	return nil
}
