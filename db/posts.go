package db

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// InsertPost records a POST projection row.
func InsertPost(ctx context.Context, q Querier, post *types.Post) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO posts
			(item_hash, owner, type, ref, amends, channel, content, creation_datetime, latest_amend)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (item_hash) DO NOTHING`,
		post.ItemHash, post.Owner, post.Type, post.Ref, post.Amends,
		post.Channel, []byte(post.Content), post.CreationDatetime, post.LatestAmend,
	)
	return errors.Wrap(err, "could not insert post")
}

// GetPost loads one post, or nil.
func GetPost(ctx context.Context, q Querier, itemHash string) (*types.Post, error) {
	var post types.Post
	err := sqlx.GetContext(ctx, q, &post, `SELECT * FROM posts WHERE item_hash = $1`, itemHash)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get post")
	}
	return &post, nil
}

// DeletePost removes a post row.
func DeletePost(ctx context.Context, q Querier, itemHash string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM posts WHERE item_hash = $1`, itemHash)
	return errors.Wrap(err, "could not delete post")
}

// DeleteAmends removes every amend of an original, returning their
// hashes so the caller can cascade the forget.
func DeleteAmends(ctx context.Context, q Querier, original string) ([]string, error) {
	var hashes []string
	err := sqlx.SelectContext(ctx, q, &hashes, `
		DELETE FROM posts WHERE amends = $1 RETURNING item_hash`, original)
	return hashes, errors.Wrap(err, "could not delete amends")
}

// RefreshLatestAmend recomputes the latest_amend pointer of an original
// from its remaining amends.
func RefreshLatestAmend(ctx context.Context, q Querier, original string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE posts SET latest_amend = (
			SELECT a.item_hash FROM posts a
			WHERE a.amends = posts.item_hash
			ORDER BY a.creation_datetime DESC
			LIMIT 1
		)
		WHERE item_hash = $1`,
		original,
	)
	return errors.Wrap(err, "could not refresh latest amend")
}
