package multirange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(hour int) time.Time {
	return time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC)
}

func TestRangeEmpty(t *testing.T) {
	assert.True(t, Range{Lower: ts(2), Upper: ts(1)}.Empty())
	assert.True(t, Range{Lower: ts(1), Upper: ts(1), LowerInc: true}.Empty())
	assert.False(t, Range{Lower: ts(1), Upper: ts(1), LowerInc: true, UpperInc: true}.Empty())
	assert.False(t, NewRange(ts(1), ts(2)).Empty())
}

func TestRangeOverlaps(t *testing.T) {
	a := NewRange(ts(1), ts(3))
	b := NewRange(ts(2), ts(4))
	c := NewRange(ts(3), ts(5))

	assert.True(t, a.Overlaps(b))
	assert.True(t, b.Overlaps(a))
	// Right-open [1,3) and [3,5) only touch.
	assert.False(t, a.Overlaps(c))

	closed := Range{Lower: ts(3), Upper: ts(5), LowerInc: true, UpperInc: true}
	closedA := Range{Lower: ts(1), Upper: ts(3), LowerInc: true, UpperInc: true}
	assert.True(t, closedA.Overlaps(closed))
}

func TestRangeSubtract(t *testing.T) {
	full := NewRange(ts(0), ts(10))

	// Middle cut leaves two pieces.
	pieces := full.Subtract(NewRange(ts(3), ts(5)))
	require.Len(t, pieces, 2)
	assert.Equal(t, ts(0), pieces[0].Lower)
	assert.Equal(t, ts(3), pieces[0].Upper)
	assert.False(t, pieces[0].UpperInc)
	assert.Equal(t, ts(5), pieces[1].Lower)
	assert.True(t, pieces[1].LowerInc)
	assert.Equal(t, ts(10), pieces[1].Upper)

	// Full cover leaves nothing.
	assert.Empty(t, full.Subtract(NewRange(ts(0), ts(10))))

	// Disjoint leaves the original.
	pieces = full.Subtract(NewRange(ts(10), ts(12)))
	require.Len(t, pieces, 1)
	assert.Equal(t, full, pieces[0])
}

func TestMultiRangeAddMerges(t *testing.T) {
	mr := New(NewRange(ts(0), ts(2)), NewRange(ts(4), ts(6)))
	require.Len(t, mr.Ranges(), 2)

	// Bridging range collapses everything into one.
	mr.Add(NewRange(ts(2), ts(4)))
	ranges := mr.Ranges()
	require.Len(t, ranges, 1)
	assert.Equal(t, ts(0), ranges[0].Lower)
	assert.Equal(t, ts(6), ranges[0].Upper)
}

func TestMultiRangeSubtract(t *testing.T) {
	indexer := New(NewRange(ts(0), ts(10)))
	local := New(NewRange(ts(0), ts(4)), NewRange(ts(6), ts(8)))

	missing := indexer.Subtract(local)
	ranges := missing.Ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, ts(4), ranges[0].Lower)
	assert.Equal(t, ts(6), ranges[0].Upper)
	assert.Equal(t, ts(8), ranges[1].Lower)
	assert.Equal(t, ts(10), ranges[1].Upper)
}

func TestMultiRangeSubtractEverything(t *testing.T) {
	mr := New(NewRange(ts(1), ts(3)))
	missing := mr.Subtract(New(NewRange(ts(0), ts(5))))
	assert.Empty(t, missing.Ranges())
}
