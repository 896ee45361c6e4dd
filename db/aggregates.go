package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// InsertAggregateElement records one AGGREGATE message's contribution.
func InsertAggregateElement(ctx context.Context, q Querier, element *types.AggregateElement) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO aggregate_elements (item_hash, key, owner, content, creation_datetime)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (item_hash) DO NOTHING`,
		element.ItemHash, element.Key, element.Owner, []byte(element.Content), element.CreationDatetime,
	)
	return errors.Wrap(err, "could not insert aggregate element")
}

// DeleteAggregateElement removes one element, as part of a forget.
func DeleteAggregateElement(ctx context.Context, q Querier, itemHash string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM aggregate_elements WHERE item_hash = $1`, itemHash)
	return errors.Wrap(err, "could not delete aggregate element")
}

// GetAggregateElements returns every element of a (key, owner) in
// chronological order.
func GetAggregateElements(ctx context.Context, q Querier, key, owner string) ([]*types.AggregateElement, error) {
	var elements []*types.AggregateElement
	err := sqlx.SelectContext(ctx, q, &elements, `
		SELECT * FROM aggregate_elements
		WHERE key = $1 AND owner = $2
		ORDER BY creation_datetime`,
		key, owner,
	)
	return elements, errors.Wrap(err, "could not select aggregate elements")
}

// GetAggregateElementsByOwner returns hashes of every element of the owner
// under one key, for forget-by-aggregate.
func GetAggregateElementHashes(ctx context.Context, q Querier, key, owner string) ([]string, error) {
	var hashes []string
	err := sqlx.SelectContext(ctx, q, &hashes, `
		SELECT item_hash FROM aggregate_elements WHERE key = $1 AND owner = $2`,
		key, owner,
	)
	return hashes, errors.Wrap(err, "could not select aggregate element hashes")
}

// CountAggregateElements returns how many elements build a projection.
func CountAggregateElements(ctx context.Context, q Querier, key, owner string) (int64, error) {
	var count int64
	err := sqlx.GetContext(ctx, q, &count, `
		SELECT COUNT(*) FROM aggregate_elements WHERE key = $1 AND owner = $2`,
		key, owner,
	)
	return count, errors.Wrap(err, "could not count aggregate elements")
}

// GetAggregateForUpdate loads the projection row with a row lock, so that
// concurrent merges of the same (key, owner) serialize.
func GetAggregateForUpdate(ctx context.Context, q Querier, key, owner string) (*types.Aggregate, error) {
	var aggregate types.Aggregate
	err := sqlx.GetContext(ctx, q, &aggregate, `
		SELECT * FROM aggregates WHERE key = $1 AND owner = $2 FOR UPDATE`,
		key, owner,
	)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get aggregate")
	}
	return &aggregate, nil
}

// GetAggregate loads the projection row without locking.
func GetAggregate(ctx context.Context, q Querier, key, owner string) (*types.Aggregate, error) {
	var aggregate types.Aggregate
	err := sqlx.GetContext(ctx, q, &aggregate, `
		SELECT * FROM aggregates WHERE key = $1 AND owner = $2`,
		key, owner,
	)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get aggregate")
	}
	return &aggregate, nil
}

// UpsertAggregate writes the merged projection.
func UpsertAggregate(ctx context.Context, q Querier, aggregate *types.Aggregate) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO aggregates (key, owner, content, creation_datetime, last_revision_hash, dirty)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key, owner) DO UPDATE
			SET content = EXCLUDED.content,
			    creation_datetime = EXCLUDED.creation_datetime,
			    last_revision_hash = EXCLUDED.last_revision_hash,
			    dirty = EXCLUDED.dirty`,
		aggregate.Key, aggregate.Owner, []byte(aggregate.Content),
		aggregate.CreationDatetime, aggregate.LastRevisionHash, aggregate.Dirty,
	)
	return errors.Wrap(err, "could not upsert aggregate")
}

// UpdateAggregateContent appends or prepends an element's content to the
// stored merge without rewriting it client-side.
func UpdateAggregateContent(ctx context.Context, q Querier, key, owner string, content json.RawMessage, creationDatetime time.Time, lastRevisionHash string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE aggregates
		SET content = $3, creation_datetime = $4, last_revision_hash = $5
		WHERE key = $1 AND owner = $2`,
		key, owner, []byte(content), creationDatetime, lastRevisionHash,
	)
	return errors.Wrap(err, "could not update aggregate content")
}

// MarkAggregateDirty flags a projection for rebuild.
func MarkAggregateDirty(ctx context.Context, q Querier, key, owner string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE aggregates SET dirty = TRUE WHERE key = $1 AND owner = $2`,
		key, owner,
	)
	return errors.Wrap(err, "could not mark aggregate dirty")
}

// DeleteAggregate drops a projection with no remaining elements.
func DeleteAggregate(ctx context.Context, q Querier, key, owner string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM aggregates WHERE key = $1 AND owner = $2`, key, owner)
	return errors.Wrap(err, "could not delete aggregate")
}
