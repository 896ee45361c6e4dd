package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/types"
)

type staticServers struct {
	servers []string
}

func (s *staticServers) RandomApiServers(_ context.Context, _ int) ([]string, error) {
	return s.servers, nil
}

func TestGetHashContentLocal(t *testing.T) {
	engine, err := NewFileSystemEngine(t.TempDir())
	require.NoError(t, err)
	value := []byte(`{"hello":"world"}`)
	hash := types.HashItemContent(value)
	require.NoError(t, engine.Write(hash, value))

	svc := NewService(engine, nil, nil)
	got, err := svc.GetHashContent(context.Background(), hash, types.ItemTypeStorage, DefaultFetchOptions())
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestGetHashContentFromPeer(t *testing.T) {
	value := []byte(`{"fetched":"remotely"}`)
	hash := types.HashItemContent(value)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/storage/raw/"+hash, r.URL.Path)
		_, _ = w.Write(value)
	}))
	defer peer.Close()

	engine, err := NewFileSystemEngine(t.TempDir())
	require.NoError(t, err)
	svc := NewService(engine, nil, &staticServers{servers: []string{peer.URL}})

	got, err := svc.GetHashContent(context.Background(), hash, types.ItemTypeStorage, DefaultFetchOptions())
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// The fetch wrote the value back to the local store.
	stored, err := engine.Read(hash)
	require.NoError(t, err)
	assert.Equal(t, value, stored)
}

func TestGetHashContentRejectsCorruptPeer(t *testing.T) {
	value := []byte(`{"fetched":"remotely"}`)
	hash := types.HashItemContent(value)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not the content you asked for"))
	}))
	defer peer.Close()

	engine, err := NewFileSystemEngine(t.TempDir())
	require.NoError(t, err)
	svc := NewService(engine, nil, &staticServers{servers: []string{peer.URL}})

	_, err = svc.GetHashContent(context.Background(), hash, types.ItemTypeStorage, DefaultFetchOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrContentUnavailable))
	assert.True(t, types.ClassifyError(err).Retry)
}

func TestGetMessageContentInline(t *testing.T) {
	engine, err := NewFileSystemEngine(t.TempDir())
	require.NoError(t, err)
	svc := NewService(engine, nil, nil)

	content := `{"address":"0xabc","time":1700000000.0}`
	message := &types.PendingMessage{
		ItemType:    types.ItemTypeInline,
		ItemHash:    types.HashItemContent([]byte(content)),
		ItemContent: &content,
	}
	raw, err := svc.GetMessageContent(context.Background(), message)
	require.NoError(t, err)
	assert.Equal(t, []byte(content), raw)
}

func TestGetMessageContentRejectsNulBytes(t *testing.T) {
	engine, err := NewFileSystemEngine(t.TempDir())
	require.NoError(t, err)
	svc := NewService(engine, nil, nil)

	content := "{\"key\":\"a\x00b\"}"
	message := &types.PendingMessage{
		ItemType:    types.ItemTypeInline,
		ItemContent: &content,
	}
	_, err = svc.GetMessageContent(context.Background(), message)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidContent))
}

func TestAddFileAndJSON(t *testing.T) {
	engine, err := NewFileSystemEngine(t.TempDir())
	require.NoError(t, err)
	svc := NewService(engine, nil, nil)

	hash, err := svc.AddFile(context.Background(), []byte("payload"), types.ItemTypeStorage)
	require.NoError(t, err)
	assert.Equal(t, types.HashItemContent([]byte("payload")), hash)

	jsonHash, err := svc.AddJSON(context.Background(), map[string]string{"a": "b"}, types.ItemTypeStorage)
	require.NoError(t, err)
	stored, err := engine.Read(jsonHash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, string(stored))
}

func TestVerifyRawCidWithoutDaemon(t *testing.T) {
	engine, err := NewFileSystemEngine(t.TempDir())
	require.NoError(t, err)
	svc := NewService(engine, nil, nil)

	value := []byte("raw leaf block")
	digest, err := multihash.Sum(value, multihash.SHA2_256, -1)
	require.NoError(t, err)
	hash := cid.NewCidV1(cid.Raw, digest).String()

	require.NoError(t, svc.verifyHashContent(hash, types.ItemTypeIPFS, value))
	err = svc.verifyHashContent(hash, types.ItemTypeIPFS, []byte("tampered"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cid mismatch")

	// Dag-pb CIDs still need the daemon.
	_, err = svc.GetHashContent(context.Background(),
		"QmbFMke1KXqnYyBBWxB74N4c5SBnJMVAiMNRcGu6x1AwQH", types.ItemTypeIPFS,
		FetchOptions{UseIpfs: false, UseNetwork: false})
	require.Error(t, err)
}
