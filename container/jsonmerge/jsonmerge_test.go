package jsonmerge_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/container/jsonmerge"
)

func TestMergeOverridesLeaves(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 2.0},
		"b": "old",
	}
	src := map[string]interface{}{
		"a": map[string]interface{}{"y": 3.0, "z": 4.0},
		"c": true,
	}
	merged := jsonmerge.Merge(dst, src)
	assert.Equal(t, map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 3.0, "z": 4.0},
		"b": "old",
		"c": true,
	}, merged)
}

func TestMergeReplacesMismatchedTypes(t *testing.T) {
	dst := map[string]interface{}{"a": map[string]interface{}{"x": 1.0}}
	src := map[string]interface{}{"a": "scalar"}
	assert.Equal(t, map[string]interface{}{"a": "scalar"}, jsonmerge.Merge(dst, src))
}

func TestMergeRaw(t *testing.T) {
	merged, err := jsonmerge.MergeRaw(
		json.RawMessage(`{"a": {"x": 1}, "b": 2}`),
		json.RawMessage(`{"a": {"y": 3}}`),
	)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(merged, &doc))
	assert.Equal(t, map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 3.0},
		"b": 2.0,
	}, doc)
}

func TestMergeRawIntoEmpty(t *testing.T) {
	merged, err := jsonmerge.MergeRaw(nil, json.RawMessage(`{"a": 1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(merged))
}
