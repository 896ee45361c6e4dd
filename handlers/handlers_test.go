package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/cost"
	"github.com/aleph-im/aleph-node/types"
)

func TestRegistryDispatch(t *testing.T) {
	registry := NewRegistry(
		NewPostHandler(PostConfig{}),
		NewAggregateHandler(),
		NewStoreHandler(nil, nil, StoreConfig{GracePeriod: 24 * time.Hour}),
		NewVmHandler(),
	)

	for _, messageType := range []types.MessageType{
		types.MessageTypePost, types.MessageTypeAggregate, types.MessageTypeStore,
		types.MessageTypeInstance, types.MessageTypeProgram, types.MessageTypeForget,
	} {
		handler, err := registry.Get(messageType)
		require.NoError(t, err, messageType)
		assert.NotNil(t, handler)
	}

	instance, err := registry.Get(types.MessageTypeInstance)
	require.NoError(t, err)
	program, err := registry.Get(types.MessageTypeProgram)
	require.NoError(t, err)
	assert.Same(t, instance, program)

	_, err = registry.Get(types.MessageType("UNKNOWN"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidFormat))
}

func TestAggregatePermissionsRequireOwnership(t *testing.T) {
	handler := NewAggregateHandler()
	message := &types.Message{
		Sender:  "0xdef",
		Content: []byte(`{"address":"0xabc","time":1700000000,"key":"settings","content":{"a":1}}`),
	}
	err := handler.CheckPermissions(context.Background(), nil, message)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))

	message.Sender = "0xabc"
	require.NoError(t, handler.CheckPermissions(context.Background(), nil, message))
}

func TestPostDependenciesAmendNeedsRef(t *testing.T) {
	handler := NewPostHandler(PostConfig{})
	message := &types.Message{
		ItemHash: "deadbeef",
		Content:  []byte(`{"address":"0xabc","time":1700000000,"type":"amend"}`),
	}
	err := handler.CheckDependencies(context.Background(), nil, message)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAmendNoTarget))

	// Plain posts have no dependencies.
	message.Content = []byte(`{"address":"0xabc","time":1700000000,"type":"blog"}`)
	require.NoError(t, handler.CheckDependencies(context.Background(), nil, message))
}

func TestPostConfigChannels(t *testing.T) {
	open := PostConfig{}
	assert.True(t, open.channelAllowed(nil))

	restricted := PostConfig{Channels: []string{"FOUNDATION"}}
	assert.False(t, restricted.channelAllowed(nil))
	channel := "FOUNDATION"
	assert.True(t, restricted.channelAllowed(&channel))
	other := "SPAM"
	assert.False(t, restricted.channelAllowed(&other))
}

func TestStoreDependenciesIgnoreNamedRefs(t *testing.T) {
	handler := NewStoreHandler(nil, nil, StoreConfig{})
	message := &types.Message{
		Sender: "0xabc",
		Content: []byte(`{"address":"0xabc","time":1700000000,"item_type":"storage","item_hash":"` +
			types.HashItemContent([]byte("body")) + `","ref":"my-website"}`),
	}
	// Named refs are tags, not message references, so no lookup happens.
	require.NoError(t, handler.CheckDependencies(context.Background(), nil, message))
}

func TestExecutableRequirementsInstance(t *testing.T) {
	message := &types.Message{
		Type:   types.MessageTypeInstance,
		Sender: "0xabc",
		Content: []byte(`{
			"address": "0xabc",
			"time": 1700000000,
			"resources": {"vcpus": 2, "memory": 4096, "seconds": 30},
			"rootfs": {"parent": {"ref": "aaa", "use_latest": true}, "persistence": "host", "size_mib": 20480},
			"volumes": [
				{"ref": "bbb", "mount": "/opt/data"},
				{"persistence": "host", "name": "scratch", "size_mib": 1024, "parent": {"ref": "ccc"}},
				{"ephemeral": true, "size_mib": 512}
			]
		}`),
	}
	content, refs, err := executableRequirements(message)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentTypeHold, content.PaymentType())

	require.Len(t, refs, 3)
	assert.Equal(t, volumeRequirement{ref: "aaa", useLatest: true}, refs[0])
	assert.Equal(t, volumeRequirement{ref: "bbb"}, refs[1])
	assert.Equal(t, volumeRequirement{ref: "ccc"}, refs[2])
}

func TestExecutableRequirementsProgram(t *testing.T) {
	message := &types.Message{
		Type:   types.MessageTypeProgram,
		Sender: "0xabc",
		Content: []byte(`{
			"address": "0xabc",
			"time": 1700000000,
			"resources": {"vcpus": 1, "memory": 2048, "seconds": 30},
			"type": "vm-function",
			"code": {"encoding": "zip", "entrypoint": "main:app", "ref": "code-hash"},
			"runtime": {"ref": "runtime-hash"},
			"data": {"encoding": "zip", "mount": "/data", "ref": "data-hash"},
			"on": {"http": true}
		}`),
	}
	_, refs, err := executableRequirements(message)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "code-hash", refs[0].ref)
	assert.Equal(t, "runtime-hash", refs[1].ref)
	assert.Equal(t, "data-hash", refs[2].ref)
}

func TestExecutableRequirementsRejectsOtherTypes(t *testing.T) {
	message := &types.Message{Type: types.MessageTypePost, Content: []byte(`{}`)}
	_, _, err := executableRequirements(message)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidFormat))
}

func TestMarkMissing(t *testing.T) {
	missing := map[string]bool{}
	markMissing(missing, []string{"a", "b", "c"}, []string{"b"})
	assert.Equal(t, map[string]bool{"a": true, "c": true}, missing)

	markMissing(missing, []string{"d"}, nil)
	assert.True(t, missing["d"])
}

func TestMachineVolumeRowKinds(t *testing.T) {
	ref := "abc"
	persistence := "host"
	name := "data"

	immutable := machineVolumeRow("vm", types.MachineVolume{Ref: &ref})
	assert.Equal(t, "immutable", immutable.Kind)
	assert.Equal(t, &ref, immutable.Ref)

	ephemeral := machineVolumeRow("vm", types.MachineVolume{Ephemeral: true, SizeMib: 512})
	assert.Equal(t, "ephemeral", ephemeral.Kind)
	assert.Equal(t, int64(512), ephemeral.SizeMib)

	persistent := machineVolumeRow("vm", types.MachineVolume{
		Persistence: &persistence,
		Name:        &name,
		SizeMib:     1024,
		Parent:      &types.VolumeRef{Ref: "parent-hash"},
	})
	assert.Equal(t, "persistent", persistent.Kind)
	require.NotNil(t, persistent.ParentRef)
	assert.Equal(t, "parent-hash", *persistent.ParentRef)
}

func TestInstanceRowMapping(t *testing.T) {
	message := &types.Message{
		ItemHash: "vm-hash",
		Type:     types.MessageTypeInstance,
		Sender:   "0xabc",
		Time:     time.Unix(1700000000, 0).UTC(),
	}
	content, err := types.ParseInstanceContent([]byte(`{
		"address": "0xabc",
		"time": 1700000000,
		"allow_amend": true,
		"environment": {"internet": true, "trusted_execution": {"firmware": "ovmf"}},
		"resources": {"vcpus": 4, "memory": 8192, "seconds": 30},
		"payment": {"chain": "AVAX", "type": "superfluid"},
		"rootfs": {"parent": {"ref": "rootfs-parent"}, "persistence": "host", "size_mib": 20480}
	}`))
	require.NoError(t, err)

	vm := instanceRow(message, content)
	assert.Equal(t, "vm-hash", vm.ItemHash)
	assert.Equal(t, types.MessageTypeInstance, vm.Type)
	assert.True(t, vm.AllowAmend)
	assert.True(t, vm.Internet)
	assert.True(t, vm.TrustedExecution)
	assert.Equal(t, types.PaymentTypeSuperfluid, vm.PaymentType)
	require.NotNil(t, vm.RootfsRef)
	assert.Equal(t, "rootfs-parent", *vm.RootfsRef)
	assert.Equal(t, int64(20480), vm.RootfsSizeMib)
}

func TestProgramRowMapping(t *testing.T) {
	message := &types.Message{
		ItemHash: "prog-hash",
		Type:     types.MessageTypeProgram,
		Sender:   "0xabc",
		Time:     time.Unix(1700000000, 0).UTC(),
	}
	content, err := types.ParseProgramContent([]byte(`{
		"address": "0xabc",
		"time": 1700000000,
		"type": "vm-function",
		"resources": {"vcpus": 1, "memory": 2048, "seconds": 30},
		"code": {"encoding": "zip", "entrypoint": "main:app", "ref": "code-hash", "use_latest": true},
		"runtime": {"ref": "runtime-hash"},
		"on": {"http": true, "persistent": true}
	}`))
	require.NoError(t, err)

	vm := programRow(message, content)
	assert.Equal(t, types.MessageTypeProgram, vm.Type)
	assert.True(t, vm.Persistent)
	assert.True(t, vm.HTTPTrigger)
	require.NotNil(t, vm.CodeRef)
	assert.Equal(t, "code-hash", *vm.CodeRef)
	assert.True(t, vm.CodeUseLatest)
	require.NotNil(t, vm.CodeEntrypoint)
	assert.Equal(t, "main:app", *vm.CodeEntrypoint)
	assert.Nil(t, vm.DataRef)
	assert.Equal(t, types.PaymentTypeHold, vm.PaymentType)
}

func TestForgetPermissionsRejectForgetOfForget(t *testing.T) {
	// A FORGET with no valid targets never reaches the registry, so a
	// registry-less handler is fine for the parse-level checks.
	handler := NewForgetHandler(nil)
	message := &types.Message{
		Sender:  "0xabc",
		Content: []byte(`{"address":"0xabc","time":1700000000,"hashes":[]}`),
	}
	err := handler.CheckDependencies(context.Background(), nil, message)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidContent))
}

func TestPricingCacheInvalidation(t *testing.T) {
	pricingCache.SetDefault(pricingTimelineKey, []cost.TimelineEntry{{Model: cost.DefaultPricingModel()}})

	invalidatePricing("profile", "0xsomeone")
	_, ok := pricingCache.Get(pricingTimelineKey)
	assert.True(t, ok, "unrelated aggregates must not drop the pricing cache")

	invalidatePricing(cost.PriceAggregateKey, cost.PriceAggregateOwner)
	_, ok = pricingCache.Get(pricingTimelineKey)
	assert.False(t, ok)
}
