package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemEngine(t *testing.T) {
	engine, err := NewFileSystemEngine(t.TempDir())
	require.NoError(t, err)

	value, err := engine.Read("missing")
	require.NoError(t, err)
	assert.Nil(t, value)

	exists, err := engine.Exists("missing")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, engine.Write("abc", []byte("hello")))
	require.NoError(t, engine.Write("abc", []byte("hello")))

	value, err = engine.Read("abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), value)

	exists, err = engine.Exists("abc")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, engine.Delete("abc"))
	require.NoError(t, engine.Delete("abc"))

	value, err = engine.Read("abc")
	require.NoError(t, err)
	assert.Nil(t, value)
}
