package handlers

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/container/jsonmerge"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

// Past this many elements an out-of-order insert marks the projection
// dirty for the background refresher instead of rebuilding inline.
const aggregateRebuildThreshold = 1000

// AggregateHandler merges AGGREGATE messages into (key, owner)
// projections.
type AggregateHandler struct {
	noFetch
}

// NewAggregateHandler builds the AGGREGATE handler.
func NewAggregateHandler() *AggregateHandler {
	return &AggregateHandler{}
}

// CheckDependencies implements Handler; aggregates have none.
func (h *AggregateHandler) CheckDependencies(context.Context, db.Querier, *types.Message) error {
	return nil
}

// CheckPermissions requires the declared owner to be the sender.
func (h *AggregateHandler) CheckPermissions(_ context.Context, _ db.Querier, message *types.Message) error {
	content, err := types.ParseAggregateContent(message.Content)
	if err != nil {
		return err
	}
	if content.Address != message.Sender {
		return errors.Wrapf(types.ErrPermissionDenied,
			"aggregate owner %s does not match sender %s", content.Address, message.Sender)
	}
	return nil
}

// Process inserts the element and updates the merged projection. New
// elements merge on top; an element older than the projection head
// forces a rebuild, or a dirty flag for large keys.
func (h *AggregateHandler) Process(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseAggregateContent(message.Content)
	if err != nil {
		return err
	}

	element := &types.AggregateElement{
		ItemHash:         message.ItemHash,
		Key:              content.Key,
		Owner:            message.Sender,
		Content:          content.Content,
		CreationDatetime: message.Time,
	}
	if err := db.InsertAggregateElement(ctx, q, element); err != nil {
		return err
	}
	invalidatePricing(content.Key, message.Sender)

	aggregate, err := db.GetAggregateForUpdate(ctx, q, content.Key, message.Sender)
	if err != nil {
		return err
	}
	if aggregate == nil {
		return db.UpsertAggregate(ctx, q, &types.Aggregate{
			Key:              content.Key,
			Owner:            message.Sender,
			Content:          content.Content,
			CreationDatetime: message.Time,
			LastRevisionHash: message.ItemHash,
		})
	}

	if !message.Time.Before(aggregate.CreationDatetime) {
		merged, err := jsonmerge.MergeRaw(aggregate.Content, content.Content)
		if err != nil {
			return errors.Wrap(types.ErrInvalidContent, err.Error())
		}
		return db.UpdateAggregateContent(ctx, q, content.Key, message.Sender,
			merged, message.Time, message.ItemHash)
	}

	count, err := db.CountAggregateElements(ctx, q, content.Key, message.Sender)
	if err != nil {
		return err
	}
	if count > aggregateRebuildThreshold {
		log.WithFields(map[string]interface{}{
			"key":   content.Key,
			"owner": message.Sender,
		}).Info("Deferring out-of-order aggregate rebuild")
		return db.MarkAggregateDirty(ctx, q, content.Key, message.Sender)
	}
	return RebuildAggregate(ctx, q, content.Key, message.Sender)
}

// Forget removes the element and rewinds the projection.
func (h *AggregateHandler) Forget(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseAggregateContent(message.Content)
	if err != nil {
		return err
	}
	if err := db.DeleteAggregateElement(ctx, q, message.ItemHash); err != nil {
		return err
	}
	invalidatePricing(content.Key, message.Sender)
	count, err := db.CountAggregateElements(ctx, q, content.Key, message.Sender)
	if err != nil {
		return err
	}
	if count > aggregateRebuildThreshold {
		return db.MarkAggregateDirty(ctx, q, content.Key, message.Sender)
	}
	return RebuildAggregate(ctx, q, content.Key, message.Sender)
}

// RebuildAggregate recomputes a projection from its remaining elements in
// chronological order. With no elements left the projection disappears.
func RebuildAggregate(ctx context.Context, q db.Querier, key, owner string) error {
	elements, err := db.GetAggregateElements(ctx, q, key, owner)
	if err != nil {
		return err
	}
	if len(elements) == 0 {
		return db.DeleteAggregate(ctx, q, key, owner)
	}

	var merged map[string]interface{}
	for _, element := range elements {
		var content map[string]interface{}
		if err := json.Unmarshal(element.Content, &content); err != nil {
			log.WithError(err).WithField("item_hash", element.ItemHash).
				Warn("Skipping unparsable aggregate element")
			continue
		}
		merged = jsonmerge.Merge(merged, content)
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return errors.Wrap(err, "could not encode rebuilt aggregate")
	}

	last := elements[len(elements)-1]
	return db.UpsertAggregate(ctx, q, &types.Aggregate{
		Key:              key,
		Owner:            owner,
		Content:          raw,
		CreationDatetime: last.CreationDatetime,
		LastRevisionHash: last.ItemHash,
	})
}
