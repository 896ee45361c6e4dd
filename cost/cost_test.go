package cost

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleph-im/aleph-node/types"
)

type fakeResolver struct {
	files map[string]int64
}

func (r *fakeResolver) FileForRef(_ context.Context, ref string, _ bool) (*types.StoredFile, error) {
	size, ok := r.files[ref]
	if !ok {
		return nil, nil
	}
	return &types.StoredFile{Hash: ref, Size: size, Type: types.FileTypeFile}, nil
}

func (r *fakeResolver) FileForHash(_ context.Context, hash string) (*types.StoredFile, error) {
	return r.FileForRef(context.Background(), hash, false)
}

func findCost(costs []*types.AccountCost, costType types.CostType) *types.AccountCost {
	for _, cost := range costs {
		if cost.Type == costType {
			return cost
		}
	}
	return nil
}

func TestProgramCosts(t *testing.T) {
	resolver := &fakeResolver{files: map[string]int64{
		"code-ref":    10 * mib,
		"runtime-ref": 100 * mib,
	}}
	calc := NewCalculator(resolver, DefaultPricingModel())

	content := &types.ProgramContent{
		ExecutableContent: types.ExecutableContent{
			BaseContent: types.BaseContent{Address: "0xowner"},
			Environment: types.FunctionEnvironment{Internet: true},
			Resources:   types.MachineResources{Vcpus: 1, Memory: 2048},
		},
		Code:    types.CodeContent{Ref: "code-ref"},
		Runtime: types.FunctionRuntime{Ref: "runtime-ref"},
	}

	costs, err := calc.ExecutableCosts(context.Background(), content, "item-hash")
	require.NoError(t, err)

	// One compute unit, doubled for an on-demand program with internet.
	execution := findCost(costs, types.CostTypeExecution)
	require.NotNil(t, execution)
	assert.True(t, execution.CostHold.Equal(decimal.NewFromInt(400)), "got %s", execution.CostHold)
	assert.Equal(t, string(types.ProductPriceTypeProgram), execution.Name)

	code := findCost(costs, types.CostTypeProgramVolumeCode)
	require.NotNil(t, code)
	assert.True(t, code.CostHold.Equal(decimal.RequireFromString("0.5")), "got %s", code.CostHold)

	// Volumes fit inside the included disk, so the discount cancels them.
	discount := findCost(costs, types.CostTypeVolumeDiscount)
	require.NotNil(t, discount)
	total := TotalCost(costs, types.PaymentTypeHold)
	assert.True(t, total.Equal(decimal.NewFromInt(400)), "got %s", total)
}

func TestInstanceCosts(t *testing.T) {
	calc := NewCalculator(&fakeResolver{}, DefaultPricingModel())

	content := &types.InstanceContent{
		ExecutableContent: types.ExecutableContent{
			BaseContent: types.BaseContent{Address: "0xowner"},
			Resources:   types.MachineResources{Vcpus: 2, Memory: 8192},
		},
		Rootfs: types.RootfsVolume{
			Parent:      types.VolumeRef{Ref: "parent-ref"},
			Persistence: "host",
			SizeMib:     20480,
		},
	}

	costs, err := calc.ExecutableCosts(context.Background(), content, "item-hash")
	require.NoError(t, err)

	// Memory dominates: ceil(8192/2048) = 4 compute units at 1000 each.
	execution := findCost(costs, types.CostTypeExecution)
	require.NotNil(t, execution)
	assert.True(t, execution.CostHold.Equal(decimal.NewFromInt(4000)), "got %s", execution.CostHold)

	rootfs := findCost(costs, types.CostTypeInstanceVolumeRootfs)
	require.NotNil(t, rootfs)
	assert.True(t, rootfs.CostHold.Equal(decimal.NewFromInt(1024)), "got %s", rootfs.CostHold)

	// The rootfs fits in the included disk of four compute units.
	total := TotalCost(costs, types.PaymentTypeHold)
	assert.True(t, total.Equal(decimal.NewFromInt(4000)), "got %s", total)
}

func TestStoreCosts(t *testing.T) {
	resolver := &fakeResolver{files: map[string]int64{"file-hash": 3 * mib}}
	calc := NewCalculator(resolver, DefaultPricingModel())

	content := &types.StoreContent{
		BaseContent: types.BaseContent{Address: "0xowner"},
		ItemType:    types.ItemTypeStorage,
		ItemHash:    "file-hash",
	}
	costs, err := calc.StoreCosts(context.Background(), content, "item-hash")
	require.NoError(t, err)
	require.Len(t, costs, 1)
	assert.True(t, costs[0].CostHold.Equal(decimal.RequireFromString("0.999999999")), "got %s", costs[0].CostHold)
}

func TestStoreCostsMissingFileIsRetryable(t *testing.T) {
	calc := NewCalculator(&fakeResolver{}, DefaultPricingModel())
	content := &types.StoreContent{
		BaseContent: types.BaseContent{Address: "0xowner"},
		ItemHash:    "unknown",
	}
	_, err := calc.StoreCosts(context.Background(), content, "item-hash")
	require.Error(t, err)
	assert.True(t, types.ClassifyError(err).Retry)
}

func TestProductTypeSelection(t *testing.T) {
	calc := NewCalculator(&fakeResolver{}, DefaultPricingModel())

	confidential := &types.InstanceContent{
		ExecutableContent: types.ExecutableContent{
			Environment: types.FunctionEnvironment{TrustedExecution: &types.TrustedExecution{}},
		},
	}
	assert.Equal(t, types.ProductPriceTypeInstanceConfidential, calc.InstanceProductType(confidential))

	gpu := &types.InstanceContent{
		ExecutableContent: types.ExecutableContent{
			Requirements: &types.HostRequirements{
				Gpu: []types.GpuProperties{{DeviceName: "NVIDIA H100 PCIe"}},
			},
		},
	}
	assert.Equal(t, types.ProductPriceTypeInstanceGpuPremium, calc.InstanceProductType(gpu))

	gpu.Requirements.Gpu[0].DeviceName = "NVIDIA GeForce RTX 4090"
	assert.Equal(t, types.ProductPriceTypeInstanceGpuStandard, calc.InstanceProductType(gpu))

	persistent := &types.ProgramContent{On: types.FunctionTriggers{Persistent: true}}
	assert.Equal(t, types.ProductPriceTypeProgramPersistent, ProgramProductType(persistent))
}

func TestPricingTimeline(t *testing.T) {
	override := json.RawMessage(`{"program": {"price": {"compute_unit": {"holding": "500"}}}}`)
	elements := []*types.AggregateElement{{
		ItemHash:         "pricing-update",
		Key:              PriceAggregateKey,
		Owner:            PriceAggregateOwner,
		Content:          override,
		CreationDatetime: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}}

	timeline, err := BuildPricingTimeline(elements)
	require.NoError(t, err)
	require.Len(t, timeline, 2)

	before := EffectiveModel(timeline, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NotNil(t, before[types.ProductPriceTypeProgram].Price.ComputeUnit)
	assert.True(t, before[types.ProductPriceTypeProgram].Price.ComputeUnit.Holding.Equal(decimal.NewFromInt(200)))

	after := EffectiveModel(timeline, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NotNil(t, after[types.ProductPriceTypeProgram].Price.ComputeUnit)
	assert.True(t, after[types.ProductPriceTypeProgram].Price.ComputeUnit.Holding.Equal(decimal.NewFromInt(500)))
	// The deep merge keeps the untouched payg flavor.
	assert.True(t, after[types.ProductPriceTypeProgram].Price.ComputeUnit.Payg.Equal(decimal.RequireFromString("0.011")))
}
