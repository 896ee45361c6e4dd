package cost

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

const (
	mib         = 1 << 20
	hourSeconds = 3600
	// Credit-paid executions must keep at least one day of runtime
	// credits at admission.
	minCreditRuntimeSeconds = 24 * hourSeconds
)

// FormatCost floors a token amount to the network price precision.
func FormatCost(value decimal.Decimal) decimal.Decimal {
	return value.RoundFloor(PricePrecision)
}

// FileResolver looks volume references up in the file catalog.
type FileResolver interface {
	// FileForRef resolves an item hash (via its MESSAGE pin) or, when
	// useLatest is set, a file tag following amendments.
	FileForRef(ctx context.Context, ref string, useLatest bool) (*types.StoredFile, error)
	// FileForHash returns the catalog row of a stored hash.
	FileForHash(ctx context.Context, hash string) (*types.StoredFile, error)
}

// DbFileResolver resolves files against the relational store.
type DbFileResolver struct {
	Q db.Querier
}

// FileForRef implements FileResolver.
func (r DbFileResolver) FileForRef(ctx context.Context, ref string, useLatest bool) (*types.StoredFile, error) {
	var fileHash string
	if useLatest {
		tag, err := db.GetFileTag(ctx, r.Q, ref)
		if err != nil || tag == nil {
			return nil, err
		}
		fileHash = tag.FileHash
	} else {
		pin, err := db.GetMessageFilePin(ctx, r.Q, ref)
		if err != nil || pin == nil {
			return nil, err
		}
		fileHash = pin.FileHash
	}
	return db.GetStoredFile(ctx, r.Q, fileHash)
}

// FileForHash implements FileResolver.
func (r DbFileResolver) FileForHash(ctx context.Context, hash string) (*types.StoredFile, error) {
	return db.GetStoredFile(ctx, r.Q, hash)
}

// Calculator values messages against one pricing model.
type Calculator struct {
	resolver FileResolver
	model    PricingModel
}

// NewCalculator builds a calculator for the given model.
func NewCalculator(resolver FileResolver, model PricingModel) *Calculator {
	return &Calculator{resolver: resolver, model: model}
}

func (c *Calculator) pricing(priceType types.ProductPriceType) (*ProductPricing, error) {
	pricing, ok := c.model[priceType]
	if !ok {
		return nil, errors.Errorf("no pricing entry for product type %s", priceType)
	}
	return pricing, nil
}

// gpuProductType picks the GPU flavor by matching the requested device
// against the tier models of the premium and standard entries.
func (c *Calculator) gpuProductType(gpus []types.GpuProperties) types.ProductPriceType {
	matches := func(priceType types.ProductPriceType) bool {
		pricing, ok := c.model[priceType]
		if !ok {
			return false
		}
		for _, tier := range pricing.Tiers {
			for _, gpu := range gpus {
				if tier.Model != "" && strings.Contains(strings.ToUpper(gpu.DeviceName), strings.ToUpper(tier.Model)) {
					return true
				}
			}
		}
		return false
	}
	if matches(types.ProductPriceTypeInstanceGpuPremium) {
		return types.ProductPriceTypeInstanceGpuPremium
	}
	return types.ProductPriceTypeInstanceGpuStandard
}

// InstanceProductType classifies an INSTANCE payload.
func (c *Calculator) InstanceProductType(content *types.InstanceContent) types.ProductPriceType {
	if content.IsConfidential() {
		return types.ProductPriceTypeInstanceConfidential
	}
	if content.Requirements != nil && len(content.Requirements.Gpu) > 0 {
		return c.gpuProductType(content.Requirements.Gpu)
	}
	return types.ProductPriceTypeInstance
}

// ProgramProductType classifies a PROGRAM payload.
func ProgramProductType(content *types.ProgramContent) types.ProductPriceType {
	if content.IsPersistent() {
		return types.ProductPriceTypeProgramPersistent
	}
	return types.ProductPriceTypeProgram
}

// computeUnits is ceil(max(vcpus, memory / cu.memory)).
func computeUnits(resources types.MachineResources, cu *ComputeUnitSpec) int64 {
	memoryMib := int64(2048)
	if cu != nil && cu.MemoryMib > 0 {
		memoryMib = cu.MemoryMib
	}
	units := (resources.Memory + memoryMib - 1) / memoryMib
	if resources.Vcpus > units {
		units = resources.Vcpus
	}
	if units < 1 {
		units = 1
	}
	return units
}

// computeUnitMultiplier doubles the execution price of on-demand
// programs with internet access.
func computeUnitMultiplier(content Executable) int64 {
	if program, ok := content.(*types.ProgramContent); ok {
		if !program.IsPersistent() && program.Environment.Internet {
			return 2
		}
	}
	return 1
}

// Executable is the payload shape shared by INSTANCE and PROGRAM
// contents.
type Executable interface {
	PaymentType() types.PaymentType
}

// sizedVolume is a volume billed by declared size; refVolume is billed
// by the size of the referenced file.
type sizedVolume struct {
	costType types.CostType
	name     string
	sizeMib  int64
	ref      *string
}

type refVolume struct {
	costType  types.CostType
	name      string
	ref       string
	useLatest bool
}

func executionVolumes(content interface{}) (sized []sizedVolume, refs []refVolume) {
	var machineVolumes []types.MachineVolume
	switch c := content.(type) {
	case *types.InstanceContent:
		ref := c.Rootfs.Parent.Ref
		sized = append(sized, sizedVolume{
			costType: types.CostTypeInstanceVolumeRootfs,
			name:     string(types.CostTypeInstanceVolumeRootfs),
			sizeMib:  c.Rootfs.SizeMib,
			ref:      &ref,
		})
		machineVolumes = c.Volumes
	case *types.ProgramContent:
		refs = append(refs,
			refVolume{types.CostTypeProgramVolumeCode, string(types.CostTypeProgramVolumeCode), c.Code.Ref, c.Code.UseLatest},
			refVolume{types.CostTypeProgramVolumeRuntime, string(types.CostTypeProgramVolumeRuntime), c.Runtime.Ref, c.Runtime.UseLatest},
		)
		if c.Data != nil {
			refs = append(refs, refVolume{types.CostTypeProgramVolumeData, string(types.CostTypeProgramVolumeData), c.Data.Ref, c.Data.UseLatest})
		}
		machineVolumes = c.Volumes
	}

	for i, volume := range machineVolumes {
		mount := ""
		if volume.Mount != nil {
			mount = *volume.Mount
		}
		if volume.IsImmutable() {
			name := fmt.Sprintf("#%d:%s", i, orDefault(mount, string(types.CostTypeVolumeImmutable)))
			refs = append(refs, refVolume{types.CostTypeVolumeImmutable, name, *volume.Ref, volume.UseLatest})
			continue
		}
		name := fmt.Sprintf("#%d:%s", i, orDefault(mount, string(types.CostTypeVolumePersistent)))
		sized = append(sized, sizedVolume{
			costType: types.CostTypeVolumePersistent,
			name:     name,
			sizeMib:  volume.SizeMib,
		})
	}
	return sized, refs
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (c *Calculator) costRow(owner, itemHash string, costType types.CostType, name string, ref *string,
	paymentType types.PaymentType, hold, stream decimal.Decimal) *types.AccountCost {
	cost := &types.AccountCost{
		Owner:       owner,
		ItemHash:    itemHash,
		Type:        costType,
		Name:        name,
		Ref:         ref,
		PaymentType: paymentType,
		CostHold:    FormatCost(hold),
		CostStream:  FormatCost(stream),
	}
	if paymentType == types.PaymentTypeCredit {
		cost.CostCredit = cost.CostStream
	}
	return cost
}

func (c *Calculator) volumeCosts(ctx context.Context, owner, itemHash string, paymentType types.PaymentType,
	pricing *ProductPricing, sized []sizedVolume, refs []refVolume) ([]*types.AccountCost, error) {
	perMib := pricing.Price.Storage.Holding
	perMibSecond := pricing.Price.Storage.Payg.Div(decimal.NewFromInt(hourSeconds))

	var costs []*types.AccountCost
	for _, volume := range sized {
		storageMib := decimal.NewFromInt(volume.sizeMib)
		costs = append(costs, c.costRow(owner, itemHash, volume.costType, volume.name, volume.ref,
			paymentType, storageMib.Mul(perMib), storageMib.Mul(perMibSecond)))
	}
	for _, volume := range refs {
		file, err := c.resolver.FileForRef(ctx, volume.ref, volume.useLatest)
		if err != nil {
			return nil, err
		}
		if file == nil {
			// Legacy volumes can carry dangling refs; they are not billed.
			continue
		}
		storageMib := decimal.NewFromInt(file.Size).Div(decimal.NewFromInt(mib))
		ref := volume.ref
		costs = append(costs, c.costRow(owner, itemHash, volume.costType, volume.name, &ref,
			paymentType, storageMib.Mul(perMib), storageMib.Mul(perMibSecond)))
	}
	return costs, nil
}

// ExecutableCosts values an INSTANCE or PROGRAM payload: one EXECUTION
// row, one row per volume and the included-disk discount.
func (c *Calculator) ExecutableCosts(ctx context.Context, content Executable, itemHash string) ([]*types.AccountCost, error) {
	var (
		owner     string
		resources types.MachineResources
		priceType types.ProductPriceType
	)
	switch payload := content.(type) {
	case *types.InstanceContent:
		owner = payload.Address
		resources = payload.Resources
		priceType = c.InstanceProductType(payload)
	case *types.ProgramContent:
		owner = payload.Address
		resources = payload.Resources
		priceType = ProgramProductType(payload)
	default:
		return nil, errors.New("not an executable payload")
	}

	pricing, err := c.pricing(priceType)
	if err != nil {
		return nil, err
	}
	if pricing.Price.ComputeUnit == nil {
		return nil, errors.Errorf("no compute unit price for product type %s", priceType)
	}
	paymentType := content.PaymentType()

	units := computeUnits(resources, pricing.ComputeUnit)
	multiplier := computeUnitMultiplier(content)
	factor := decimal.NewFromInt(units * multiplier)
	executionHold := factor.Mul(pricing.Price.ComputeUnit.Holding)
	executionStream := factor.Mul(pricing.Price.ComputeUnit.Payg.Div(decimal.NewFromInt(hourSeconds)))

	costs := []*types.AccountCost{
		c.costRow(owner, itemHash, types.CostTypeExecution, string(priceType), nil, paymentType, executionHold, executionStream),
	}

	sized, refs := executionVolumes(content)
	volumeCosts, err := c.volumeCosts(ctx, owner, itemHash, paymentType, pricing, sized, refs)
	if err != nil {
		return nil, err
	}
	costs = append(costs, volumeCosts...)

	// The compute units include disk; the discount refunds volume costs
	// up to that allowance.
	var includedMib int64
	if pricing.ComputeUnit != nil {
		includedMib = pricing.ComputeUnit.DiskMib * units
	}
	perMib := pricing.Price.Storage.Holding
	perMibSecond := pricing.Price.Storage.Payg.Div(decimal.NewFromInt(hourSeconds))
	maxDiscountHold := decimal.NewFromInt(includedMib).Mul(perMib)
	maxDiscountStream := decimal.NewFromInt(includedMib).Mul(perMibSecond)

	volumeHold, volumeStream := decimal.Zero, decimal.Zero
	for _, cost := range volumeCosts {
		volumeHold = volumeHold.Add(cost.CostHold)
		volumeStream = volumeStream.Add(cost.CostStream)
	}
	discountHold := decimal.Min(volumeHold, maxDiscountHold)
	discountStream := decimal.Min(volumeStream, maxDiscountStream)

	costs = append(costs, c.costRow(owner, itemHash, types.CostTypeVolumeDiscount,
		string(types.CostTypeVolumeDiscount), nil, paymentType, discountHold.Neg(), discountStream.Neg()))
	return costs, nil
}

// StoreCosts values a STORE payload by the size of the stored file.
func (c *Calculator) StoreCosts(ctx context.Context, content *types.StoreContent, itemHash string) ([]*types.AccountCost, error) {
	pricing, err := c.pricing(types.ProductPriceTypeStorage)
	if err != nil {
		return nil, err
	}
	file, err := c.resolver.FileForHash(ctx, content.ItemHash)
	if err != nil {
		return nil, err
	}
	if file == nil || file.Size < 0 {
		return nil, errors.Wrapf(types.ErrContentUnavailable, "no catalog entry for file %s", content.ItemHash)
	}

	storageMib := decimal.NewFromInt(file.Size).Div(decimal.NewFromInt(mib))
	hold := storageMib.Mul(pricing.Price.Storage.Holding)
	stream := storageMib.Mul(pricing.Price.Storage.Payg.Div(decimal.NewFromInt(hourSeconds)))
	return []*types.AccountCost{
		c.costRow(content.Address, itemHash, types.CostTypeStorage, string(types.CostTypeStorage), nil,
			types.PaymentTypeHold, hold, stream),
	}, nil
}

// TotalCost reduces a breakdown to the single number the balance check
// compares: the hold sum for hold payments, the flow rate otherwise.
func TotalCost(costs []*types.AccountCost, paymentType types.PaymentType) decimal.Decimal {
	total := decimal.Zero
	for _, cost := range costs {
		if paymentType == types.PaymentTypeHold {
			total = total.Add(cost.CostHold)
		} else {
			total = total.Add(cost.CostStream)
		}
	}
	return FormatCost(total)
}

// ValidateBalance checks that an address can afford a new cost. Hold
// payments compare the token balance against everything already held
// plus the new lock; credit payments require one day of runtime;
// superfluid streams are validated off-node.
func ValidateBalance(ctx context.Context, q db.Querier, address string, newCost decimal.Decimal, paymentType types.PaymentType) error {
	switch paymentType {
	case types.PaymentTypeHold:
		balance, err := db.GetTotalBalance(ctx, q, address)
		if err != nil {
			return err
		}
		held, err := db.GetTotalCostFor(ctx, q, address, types.PaymentTypeHold)
		if err != nil {
			return err
		}
		if balance.LessThan(held.Add(newCost)) {
			return errors.Wrapf(types.ErrInsufficientBalance,
				"balance %s below required %s", balance, held.Add(newCost))
		}
	case types.PaymentTypeCredit:
		balance, err := GetCreditBalance(ctx, q, address, timeNow())
		if err != nil {
			return err
		}
		flow, err := db.GetTotalFlowFor(ctx, q, address, types.PaymentTypeCredit)
		if err != nil {
			return err
		}
		required := flow.Add(newCost).Mul(decimal.NewFromInt(minCreditRuntimeSeconds))
		if decimal.NewFromInt(balance).LessThan(required) {
			return errors.Wrapf(types.ErrInsufficientBalance,
				"credit balance %d below required %s", balance, required)
		}
	}
	return nil
}
