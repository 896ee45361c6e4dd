package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aleph-im/aleph-node/types"
)

func TestPaginationDefaults(t *testing.T) {
	limit, offset := Pagination{}.limitOffset()
	assert.Equal(t, defaultPerPage, limit)
	assert.Equal(t, 0, offset)

	limit, offset = Pagination{Page: 3, PerPage: 50}.limitOffset()
	assert.Equal(t, 50, limit)
	assert.Equal(t, 100, offset)
}

func TestMessageFilterClauses(t *testing.T) {
	where, args := MessageFilter{}.clauses()
	assert.Empty(t, where)
	assert.Empty(t, args)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	where, args = MessageFilter{
		Statuses:  []types.MessageStatus{types.MessageStatusProcessed},
		Addresses: []string{"0xabc"},
		Chains:    []types.Chain{types.ChainEthereum},
		StartTime: &start,
	}.clauses()
	assert.Equal(t,
		"WHERE s.status = ANY($1) AND m.sender = ANY($2) AND m.chain = ANY($3) AND m.time >= $4",
		where)
	assert.Len(t, args, 4)
	assert.Equal(t, types.StringArray{"ETH"}, args[2])
}

func TestPostFilterKeepsOriginalsOnly(t *testing.T) {
	where, args := PostFilter{Owners: []string{"0xabc"}}.clauses()
	assert.Equal(t, "WHERE owner = ANY($1) AND amends IS NULL", where)
	assert.Len(t, args, 1)
}
