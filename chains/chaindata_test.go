package chains

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/storage"
	"github.com/aleph-im/aleph-node/types"
)

func TestTxMessagesOnChain(t *testing.T) {
	svc := NewDataService(nil)
	tx := &types.ChainTx{
		Hash:            "0xtx",
		Chain:           types.ChainEthereum,
		Protocol:        types.ChainSyncProtocolOnChain,
		ProtocolVersion: 1,
		Content:         []byte(`{"messages":[{"item_hash":"aa"},{"item_hash":"bb"}]}`),
	}
	messages, err := svc.TxMessages(context.Background(), nil, tx)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.JSONEq(t, `{"item_hash":"aa"}`, string(messages[0]))
}

func TestTxMessagesRejectsUnknownProtocol(t *testing.T) {
	svc := NewDataService(nil)

	tx := &types.ChainTx{Protocol: "carrier-pigeon", ProtocolVersion: 1, Content: []byte(`{}`)}
	_, err := svc.TxMessages(context.Background(), nil, tx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidContent))

	tx = &types.ChainTx{Protocol: types.ChainSyncProtocolOnChain, ProtocolVersion: 2, Content: []byte(`{}`)}
	_, err = svc.TxMessages(context.Background(), nil, tx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidContent))
}

func TestSynthesizeStoreIpfsMessage(t *testing.T) {
	tx := &types.ChainTx{
		Hash:     "oo7abc",
		Chain:    types.ChainTezos,
		Protocol: types.ChainSyncProtocolSmartContract,
		Content: []byte(`{
			"addr": "tz1SmartContractCaller",
			"msgtype": "STORE_IPFS",
			"msgcontent": "QmWWX6BaaRkRSsAoY6KMMUDmkWBzkQbUpYnMtGvKAfVTTs",
			"timestamp": 1668611900
		}`),
	}
	raw, err := SynthesizeEventMessage(tx)
	require.NoError(t, err)

	var message map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &message))
	assert.Equal(t, "STORE", message["type"])
	assert.Equal(t, "TEZOS", message["chain"])
	assert.Equal(t, "tz1SmartContractCaller", message["sender"])
	assert.Equal(t, "inline", message["item_type"])
	assert.Nil(t, message["signature"])

	itemContent, ok := message["item_content"].(string)
	require.True(t, ok)
	assert.Equal(t, types.HashItemContent([]byte(itemContent)), message["item_hash"])

	var content map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(itemContent), &content))
	assert.Equal(t, "QmWWX6BaaRkRSsAoY6KMMUDmkWBzkQbUpYnMtGvKAfVTTs", content["item_hash"])
	assert.Equal(t, "ipfs", content["item_type"])
	assert.Equal(t, float64(1668611900), content["time"])
}

func TestSynthesizeGenericEventMessage(t *testing.T) {
	tx := &types.ChainTx{
		Hash:     "0xevent",
		Chain:    types.ChainBsc,
		Protocol: types.ChainSyncProtocolSmartContract,
		Content: []byte(`{
			"address": "0xPublisher",
			"type": "MESSAGE",
			"content": "{\"item_hash\":\"cc\",\"type\":\"POST\"}",
			"timestamp": 1668611900000
		}`),
	}
	raw, err := SynthesizeEventMessage(tx)
	require.NoError(t, err)

	var message map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &message))
	assert.Equal(t, "cc", message["item_hash"])
	assert.Equal(t, "POST", message["type"])
}

func TestSynthesizeEventRejectsGarbage(t *testing.T) {
	tx := &types.ChainTx{
		Hash:     "0xevent",
		Chain:    types.ChainBsc,
		Protocol: types.ChainSyncProtocolSmartContract,
		Content:  []byte(`{"address":"0xPublisher","type":"MESSAGE","content":"not json","timestamp":1}`),
	}
	_, err := SynthesizeEventMessage(tx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidContent))
}

type fakeIpfs struct {
	added map[string][]byte
}

func (f *fakeIpfs) Add(_ context.Context, value []byte, _ bool) (string, error) {
	cid := "Qm" + types.HashItemContent(value)[:42]
	f.added[cid] = value
	return cid, nil
}

func (f *fakeIpfs) ComputeCid(value []byte) (string, error) {
	return "Qm" + types.HashItemContent(value)[:42], nil
}

func (f *fakeIpfs) Cat(_ context.Context, hash string) ([]byte, error) {
	value, ok := f.added[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return value, nil
}

func (f *fakeIpfs) PinAdd(context.Context, string) error { return nil }
func (f *fakeIpfs) PinRm(context.Context, string) error  { return nil }
func (f *fakeIpfs) Stat(context.Context, string) (*storage.IpfsStat, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeIpfs) RepoGC(context.Context) error { return nil }

func TestBuildSyncArchive(t *testing.T) {
	engine, err := storage.NewFileSystemEngine(t.TempDir())
	require.NoError(t, err)
	ipfs := &fakeIpfs{added: make(map[string][]byte)}
	svc := NewDataService(storage.NewService(engine, ipfs, nil))

	archive, err := svc.BuildSyncArchive(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, archive)

	messages := []*types.Message{
		{ItemHash: "aa", Type: types.MessageTypePost, Chain: types.ChainEthereum, Sender: "0xabc"},
		{ItemHash: "bb", Type: types.MessageTypeStore, Chain: types.ChainEthereum, Sender: "0xdef"},
	}
	archive, err = svc.BuildSyncArchive(context.Background(), messages)
	require.NoError(t, err)
	assert.Equal(t, 2, archive.Count)
	require.NotEmpty(t, archive.Cid)

	// The envelope points at the archive, off-chain style.
	var envelope types.SyncEnvelope
	require.NoError(t, json.Unmarshal(archive.Envelope, &envelope))
	assert.Equal(t, types.ChainSyncProtocolOffChain, envelope.Protocol)
	assert.JSONEq(t, `"`+archive.Cid+`"`, string(envelope.Content))

	// The archived payload decodes back through the inbound codec.
	payload, ok := ipfs.added[archive.Cid]
	require.True(t, ok)
	var decoded struct {
		Protocol types.ChainSyncProtocol `json:"protocol"`
		Content  struct {
			Messages []types.MessageWire `json:"messages"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, types.ChainSyncProtocolOnChain, decoded.Protocol)
	require.Len(t, decoded.Content.Messages, 2)
	assert.Equal(t, "aa", decoded.Content.Messages[0].ItemHash)
}
