package handlers

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

// ForgetHandler retracts previously processed messages: the targets'
// projections are rewound through their own handlers, their content rows
// are deleted and a tombstone records who forgot them.
type ForgetHandler struct {
	noFetch
	registry *Registry
}

// NewForgetHandler builds the FORGET handler around the registry so it
// can dispatch per-type rewinds.
func NewForgetHandler(registry *Registry) *ForgetHandler {
	return &ForgetHandler{registry: registry}
}

// CheckDependencies requires every explicit target to be a processed
// message of the sender. A missing target is transient: it may still be
// in the pipeline.
func (h *ForgetHandler) CheckDependencies(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseForgetContent(message.Content)
	if err != nil {
		return err
	}
	for _, hash := range content.Hashes {
		target, err := h.loadTarget(ctx, q, hash)
		if err != nil {
			return err
		}
		if target == nil {
			return errors.Wrapf(types.ErrForgetTargetNotFound, "message %s", hash)
		}
	}
	return nil
}

// CheckPermissions refuses to forget FORGET messages and messages of
// other senders.
func (h *ForgetHandler) CheckPermissions(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseForgetContent(message.Content)
	if err != nil {
		return err
	}
	for _, hash := range content.Hashes {
		target, err := h.loadTarget(ctx, q, hash)
		if err != nil {
			return err
		}
		if target == nil {
			continue
		}
		if target.Type == types.MessageTypeForget {
			return errors.Wrapf(types.ErrForgetForget, "message %s", hash)
		}
		if target.Sender != message.Sender {
			return errors.Wrapf(types.ErrForgetNotAllowed,
				"message %s belongs to %s", hash, target.Sender)
		}
	}
	return nil
}

// loadTarget returns the processed message for a hash, or nil when the
// hash is unknown or not yet processed.
func (h *ForgetHandler) loadTarget(ctx context.Context, q db.Querier, hash string) (*types.Message, error) {
	status, err := db.GetMessageStatus(ctx, q, hash)
	if err != nil {
		return nil, err
	}
	if status == nil || status.Status != types.MessageStatusProcessed {
		return nil, nil
	}
	return db.GetMessage(ctx, q, hash)
}

// Process forgets every explicit target plus, for aggregate keys, every
// element of the sender's aggregates.
func (h *ForgetHandler) Process(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseForgetContent(message.Content)
	if err != nil {
		return err
	}

	targets := append([]string(nil), content.Hashes...)
	for _, key := range content.Aggregates {
		hashes, err := db.GetAggregateElementHashes(ctx, q, key, message.Sender)
		if err != nil {
			return err
		}
		targets = append(targets, hashes...)
	}

	for _, hash := range targets {
		if err := h.forgetTarget(ctx, q, hash, message); err != nil {
			return err
		}
	}
	return nil
}

// forgetTarget rewinds one message's projections, replaces it with a
// tombstone and flips its status. Already forgotten targets just gain an
// extra forgotten_by entry.
func (h *ForgetHandler) forgetTarget(ctx context.Context, q db.Querier, hash string, forget *types.Message) error {
	tombstone, err := db.GetForgottenMessage(ctx, q, hash)
	if err != nil {
		return err
	}
	if tombstone != nil {
		return db.AppendToForgottenBy(ctx, q, hash, forget.ItemHash)
	}

	target, err := db.GetMessage(ctx, q, hash)
	if err != nil {
		return err
	}
	if target == nil {
		// Dropped between CheckDependencies and here by a concurrent
		// forget; nothing left to rewind.
		return nil
	}

	handler, err := h.registry.Get(target.Type)
	if err != nil {
		return err
	}
	if err := handler.Forget(ctx, q, target); err != nil {
		return err
	}

	if err := db.InsertForgottenMessage(ctx, q, &types.ForgottenMessage{
		ItemHash:    target.ItemHash,
		Type:        target.Type,
		Chain:       target.Chain,
		Sender:      target.Sender,
		Signature:   target.Signature,
		ItemType:    target.ItemType,
		Time:        target.Time,
		Channel:     target.Channel,
		ForgottenBy: types.StringArray{forget.ItemHash},
	}); err != nil {
		return err
	}
	if _, err := db.SetMessageStatusWhere(ctx, q, hash, types.MessageStatusForgotten,
		types.MessageStatusProcessed); err != nil {
		return err
	}
	if err := db.DeleteMessageConfirmations(ctx, q, hash); err != nil {
		return err
	}
	return db.DeleteMessage(ctx, q, hash)
}

// Forget of a FORGET is rejected in CheckPermissions; there is nothing
// to rewind.
func (h *ForgetHandler) Forget(context.Context, db.Querier, *types.Message) error {
	return nil
}
