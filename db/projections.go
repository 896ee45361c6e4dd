package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// Pagination bounds list queries. The zero value means page 1 with the
// default page size.
type Pagination struct {
	Page    int
	PerPage int
}

const defaultPerPage = 20

func (p Pagination) limitOffset() (int, int) {
	perPage := p.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	page := p.Page
	if page <= 0 {
		page = 1
	}
	return perPage, (page - 1) * perPage
}

// MessageSort selects the ordering column of ListMessages.
type MessageSort string

const (
	// SortByTime orders by the sender-declared message time.
	SortByTime MessageSort = "time"
	// SortByTxTime orders by the earliest on-chain confirmation time.
	// Unconfirmed messages sort after confirmed ones when descending and
	// last when ascending.
	SortByTxTime MessageSort = "tx_time"
)

// MessageFilter narrows ListMessages. Empty slices and nil times are
// ignored.
type MessageFilter struct {
	Statuses  []types.MessageStatus
	Hashes    []string
	Addresses []string
	Chains    []types.Chain
	Types     []types.MessageType
	Channels  []string
	StartTime *time.Time
	EndTime   *time.Time
}

func (f MessageFilter) clauses() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Statuses) > 0 {
		add("s.status = ANY($%d)", statusArray(f.Statuses))
	}
	if len(f.Hashes) > 0 {
		add("m.item_hash = ANY($%d)", types.StringArray(f.Hashes))
	}
	if len(f.Addresses) > 0 {
		add("m.sender = ANY($%d)", types.StringArray(f.Addresses))
	}
	if len(f.Chains) > 0 {
		chains := make(types.StringArray, len(f.Chains))
		for i, chain := range f.Chains {
			chains[i] = string(chain)
		}
		add("m.chain = ANY($%d)", chains)
	}
	if len(f.Types) > 0 {
		messageTypes := make(types.StringArray, len(f.Types))
		for i, messageType := range f.Types {
			messageTypes[i] = string(messageType)
		}
		add("m.type = ANY($%d)", messageTypes)
	}
	if len(f.Channels) > 0 {
		add("m.channel = ANY($%d)", types.StringArray(f.Channels))
	}
	if f.StartTime != nil {
		add("m.time >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		add("m.time < $%d", *f.EndTime)
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// ListMessages returns materialized messages matching the filter, newest
// first unless ascending is set. Tx-time ordering left-joins the chain
// confirmations and ranks every message by its earliest confirmation.
func ListMessages(ctx context.Context, q Querier, filter MessageFilter, sort MessageSort,
	ascending bool, page Pagination) ([]*types.Message, error) {
	where, args := filter.clauses()
	limit, offset := page.limitOffset()
	args = append(args, limit, offset)

	direction := "DESC"
	if ascending {
		direction = "ASC"
	}

	var query string
	switch sort {
	case SortByTxTime:
		// Unconfirmed messages have a NULL min(datetime); they sort
		// first when descending and last when ascending.
		nulls := "NULLS FIRST"
		if ascending {
			nulls = "NULLS LAST"
		}
		query = fmt.Sprintf(`
			SELECT m.* FROM messages m
			JOIN message_status s ON s.item_hash = m.item_hash
			LEFT JOIN message_confirmations c ON c.item_hash = m.item_hash
			LEFT JOIN chain_txs t ON t.hash = c.tx_hash
			%s
			GROUP BY m.item_hash
			ORDER BY MIN(t.datetime) %s %s, m.time %s
			LIMIT $%d OFFSET $%d`,
			where, direction, nulls, direction, len(args)-1, len(args))
	default:
		query = fmt.Sprintf(`
			SELECT m.* FROM messages m
			JOIN message_status s ON s.item_hash = m.item_hash
			%s
			ORDER BY m.time %s
			LIMIT $%d OFFSET $%d`,
			where, direction, len(args)-1, len(args))
	}

	var messages []*types.Message
	if err := sqlx.SelectContext(ctx, q, &messages, query, args...); err != nil {
		return nil, errors.Wrap(err, "could not list messages")
	}
	return messages, nil
}

// CountMessages returns the number of messages matching the filter.
func CountMessages(ctx context.Context, q Querier, filter MessageFilter) (int64, error) {
	where, args := filter.clauses()
	var count int64
	err := sqlx.GetContext(ctx, q, &count, fmt.Sprintf(`
		SELECT COUNT(*) FROM messages m
		JOIN message_status s ON s.item_hash = m.item_hash
		%s`, where), args...)
	return count, errors.Wrap(err, "could not count messages")
}

// PostFilter narrows ListPosts.
type PostFilter struct {
	Owners   []string
	Types    []string
	Refs     []string
	Channels []string
	Hashes   []string
}

func (f PostFilter) clauses() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Owners) > 0 {
		add("owner = ANY($%d)", types.StringArray(f.Owners))
	}
	if len(f.Types) > 0 {
		add("type = ANY($%d)", types.StringArray(f.Types))
	}
	if len(f.Refs) > 0 {
		add("ref = ANY($%d)", types.StringArray(f.Refs))
	}
	if len(f.Channels) > 0 {
		add("channel = ANY($%d)", types.StringArray(f.Channels))
	}
	if len(f.Hashes) > 0 {
		add("item_hash = ANY($%d)", types.StringArray(f.Hashes))
	}
	conds = append(conds, "amends IS NULL")
	return "WHERE " + strings.Join(conds, " AND "), args
}

// ListPosts returns original posts matching the filter, newest first.
// Amends are folded into their original through latest_amend; callers
// resolve the current content with GetPost on that hash.
func ListPosts(ctx context.Context, q Querier, filter PostFilter, page Pagination) ([]*types.Post, error) {
	where, args := filter.clauses()
	limit, offset := page.limitOffset()
	args = append(args, limit, offset)

	var posts []*types.Post
	err := sqlx.SelectContext(ctx, q, &posts, fmt.Sprintf(`
		SELECT * FROM posts
		%s
		ORDER BY creation_datetime DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, errors.Wrap(err, "could not list posts")
	}
	return posts, nil
}

// ListAggregateKeys returns the aggregate keys of an owner, paginated.
func ListAggregateKeys(ctx context.Context, q Querier, owner string, page Pagination) ([]string, error) {
	limit, offset := page.limitOffset()
	var keys []string
	err := sqlx.SelectContext(ctx, q, &keys, `
		SELECT key FROM aggregates
		WHERE owner = $1
		ORDER BY key
		LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "could not list aggregate keys")
	}
	return keys, nil
}

// ListVmVersions returns the current version pointers of an owner's
// executables, most recently updated first.
func ListVmVersions(ctx context.Context, q Querier, owner string, page Pagination) ([]*types.VmVersion, error) {
	limit, offset := page.limitOffset()
	var versions []*types.VmVersion
	err := sqlx.SelectContext(ctx, q, &versions, `
		SELECT * FROM vm_versions
		WHERE owner = $1
		ORDER BY last_updated DESC
		LIMIT $2 OFFSET $3`, owner, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "could not list vm versions")
	}
	return versions, nil
}
