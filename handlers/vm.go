package handlers

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/cost"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

const mib = 1 << 20

// VmHandler projects INSTANCE and PROGRAM messages into VM rows, values
// them against the pricing aggregate and locks the owner's balance.
type VmHandler struct {
	noFetch
}

// NewVmHandler builds the executable handler.
func NewVmHandler() *VmHandler {
	return &VmHandler{}
}

// volumeRequirement is one file reference an executable depends on.
type volumeRequirement struct {
	ref       string
	useLatest bool
}

func executableRequirements(message *types.Message) (*types.ExecutableContent, []volumeRequirement, error) {
	var (
		common  *types.ExecutableContent
		volumes []types.MachineVolume
		refs    []volumeRequirement
	)
	switch message.Type {
	case types.MessageTypeInstance:
		content, err := types.ParseInstanceContent(message.Content)
		if err != nil {
			return nil, nil, err
		}
		common = &content.ExecutableContent
		volumes = content.Volumes
		refs = append(refs, volumeRequirement{
			ref:       content.Rootfs.Parent.Ref,
			useLatest: content.Rootfs.Parent.UseLatest,
		})
	case types.MessageTypeProgram:
		content, err := types.ParseProgramContent(message.Content)
		if err != nil {
			return nil, nil, err
		}
		common = &content.ExecutableContent
		volumes = content.Volumes
		refs = append(refs,
			volumeRequirement{ref: content.Code.Ref, useLatest: content.Code.UseLatest},
			volumeRequirement{ref: content.Runtime.Ref, useLatest: content.Runtime.UseLatest},
		)
		if content.Data != nil {
			refs = append(refs, volumeRequirement{ref: content.Data.Ref, useLatest: content.Data.UseLatest})
		}
	default:
		return nil, nil, errors.Wrapf(types.ErrInvalidFormat, "not an executable message type %q", message.Type)
	}

	for _, volume := range volumes {
		if volume.IsImmutable() {
			refs = append(refs, volumeRequirement{ref: *volume.Ref, useLatest: volume.UseLatest})
		}
		if volume.IsPersistent() && volume.Parent != nil {
			refs = append(refs, volumeRequirement{ref: volume.Parent.Ref, useLatest: volume.Parent.UseLatest})
		}
	}
	return common, refs, nil
}

// CheckDependencies verifies every referenced volume resolves to a known
// file. Pinned refs resolve through message pins, use_latest refs through
// file tags. Unresolved refs are transient: the STORE may be in flight.
func (h *VmHandler) CheckDependencies(ctx context.Context, q db.Querier, message *types.Message) error {
	_, refs, err := executableRequirements(message)
	if err != nil {
		return err
	}
	var pinRefs, tagRefs []string
	for _, requirement := range refs {
		if requirement.useLatest {
			tagRefs = append(tagRefs, requirement.ref)
		} else {
			pinRefs = append(pinRefs, requirement.ref)
		}
	}

	missing := map[string]bool{}
	if len(pinRefs) > 0 {
		found, err := db.FindFilePins(ctx, q, pinRefs)
		if err != nil {
			return err
		}
		markMissing(missing, pinRefs, found)
	}
	if len(tagRefs) > 0 {
		found, err := db.FindFileTags(ctx, q, tagRefs)
		if err != nil {
			return err
		}
		markMissing(missing, tagRefs, found)
	}
	if len(missing) > 0 {
		details := make(map[string]interface{}, len(missing))
		for ref := range missing {
			details[ref] = "not found"
		}
		return errors.Wrapf(types.ErrVMVolumeNotFound.WithDetails(details),
			"%d unresolved volume refs for %s", len(missing), message.ItemHash)
	}
	return nil
}

func markMissing(missing map[string]bool, wanted, found []string) {
	index := make(map[string]bool, len(found))
	for _, ref := range found {
		index[ref] = true
	}
	for _, ref := range wanted {
		if !index[ref] {
			missing[ref] = true
		}
	}
}

// CheckPermissions validates amend targets and persistent volume sizes.
func (h *VmHandler) CheckPermissions(ctx context.Context, q db.Querier, message *types.Message) error {
	content, _, err := executableRequirements(message)
	if err != nil {
		return err
	}

	if content.Replaces != nil {
		target, err := db.GetVm(ctx, q, *content.Replaces)
		if err != nil {
			return err
		}
		if target == nil {
			return errors.Wrapf(types.ErrVMRefNotFound, "vm %s", *content.Replaces)
		}
		if target.Owner != message.Sender {
			return errors.Wrapf(types.ErrPermissionDenied,
				"vm %s belongs to %s", *content.Replaces, target.Owner)
		}
		if !target.AllowAmend {
			return errors.Wrapf(types.ErrVMUpdateNotAllowed, "vm %s", *content.Replaces)
		}
		if target.Replaces != nil {
			return errors.Wrapf(types.ErrVMUpdateWrongVersion, "vm %s", *content.Replaces)
		}
	}

	return h.checkVolumeSizes(ctx, q, message)
}

// checkVolumeSizes rejects persistent volumes declared smaller than the
// file they are initialized from.
func (h *VmHandler) checkVolumeSizes(ctx context.Context, q db.Querier, message *types.Message) error {
	resolver := cost.DbFileResolver{Q: q}

	checkParent := func(name string, parent types.VolumeRef, sizeMib int64) error {
		file, err := resolver.FileForRef(ctx, parent.Ref, parent.UseLatest)
		if err != nil {
			return err
		}
		if file == nil || file.Size < 0 {
			return nil
		}
		if sizeMib*mib < file.Size {
			return errors.Wrapf(types.ErrVMVolumeTooSmall,
				"%s declares %d MiB but parent %s holds %d bytes", name, sizeMib, parent.Ref, file.Size)
		}
		return nil
	}

	var volumes []types.MachineVolume
	switch message.Type {
	case types.MessageTypeInstance:
		content, err := types.ParseInstanceContent(message.Content)
		if err != nil {
			return err
		}
		volumes = content.Volumes
		if err := checkParent("rootfs", content.Rootfs.Parent, content.Rootfs.SizeMib); err != nil {
			return err
		}
	case types.MessageTypeProgram:
		content, err := types.ParseProgramContent(message.Content)
		if err != nil {
			return err
		}
		volumes = content.Volumes
	}

	for i, volume := range volumes {
		if volume.IsPersistent() && volume.Parent != nil {
			name := fmt.Sprintf("volume %d", i)
			if volume.Name != nil {
				name = *volume.Name
			}
			if err := checkParent(name, *volume.Parent, volume.SizeMib); err != nil {
				return err
			}
		}
	}
	return nil
}

// Process writes the VM rows, updates the version pointer, values the
// executable against the pricing in force at the message time and locks
// the owner's balance.
func (h *VmHandler) Process(ctx context.Context, q db.Querier, message *types.Message) error {
	var (
		vm      *types.Vm
		volumes []types.MachineVolume
		payload cost.Executable
	)
	switch message.Type {
	case types.MessageTypeInstance:
		content, err := types.ParseInstanceContent(message.Content)
		if err != nil {
			return err
		}
		vm = instanceRow(message, content)
		volumes = content.Volumes
		payload = content
	case types.MessageTypeProgram:
		content, err := types.ParseProgramContent(message.Content)
		if err != nil {
			return err
		}
		vm = programRow(message, content)
		volumes = content.Volumes
		payload = content
	default:
		return errors.Wrapf(types.ErrInvalidFormat, "not an executable message type %q", message.Type)
	}

	if err := db.InsertVm(ctx, q, vm); err != nil {
		return err
	}
	for _, volume := range volumes {
		if err := db.InsertVmMachineVolume(ctx, q, machineVolumeRow(message.ItemHash, volume)); err != nil {
			return err
		}
	}

	chainHead := message.ItemHash
	if vm.Replaces != nil {
		chainHead = *vm.Replaces
	}
	if err := db.UpsertVmVersion(ctx, q, &types.VmVersion{
		VmHash:         chainHead,
		Owner:          message.Sender,
		CurrentVersion: message.ItemHash,
		LastUpdated:    message.Time,
	}); err != nil {
		return err
	}

	model, err := effectivePricingModel(ctx, q, message)
	if err != nil {
		return err
	}
	calculator := cost.NewCalculator(cost.DbFileResolver{Q: q}, model)
	costs, err := calculator.ExecutableCosts(ctx, payload, message.ItemHash)
	if err != nil {
		return err
	}
	total := cost.TotalCost(costs, vm.PaymentType)
	if err := cost.ValidateBalance(ctx, q, message.Sender, total, vm.PaymentType); err != nil {
		return err
	}
	return db.InsertAccountCosts(ctx, q, costs)
}

func instanceRow(message *types.Message, content *types.InstanceContent) *types.Vm {
	vm := executableRow(message, &content.ExecutableContent)
	rootfsRef := content.Rootfs.Parent.Ref
	persistence := content.Rootfs.Persistence
	vm.RootfsRef = &rootfsRef
	vm.RootfsUseLatest = content.Rootfs.Parent.UseLatest
	vm.RootfsSizeMib = content.Rootfs.SizeMib
	vm.RootfsPersistence = &persistence
	return vm
}

func programRow(message *types.Message, content *types.ProgramContent) *types.Vm {
	vm := executableRow(message, &content.ExecutableContent)
	programType := content.Type
	codeRef := content.Code.Ref
	entrypoint := content.Code.Entrypoint
	runtimeRef := content.Runtime.Ref
	vm.ProgramType = &programType
	vm.Persistent = content.IsPersistent()
	vm.HTTPTrigger = content.On.HTTP
	vm.CodeRef = &codeRef
	vm.CodeUseLatest = content.Code.UseLatest
	vm.CodeEntrypoint = &entrypoint
	vm.RuntimeRef = &runtimeRef
	vm.RuntimeUseLatest = content.Runtime.UseLatest
	if content.Data != nil {
		dataRef := content.Data.Ref
		vm.DataRef = &dataRef
		vm.DataUseLatest = content.Data.UseLatest
	}
	return vm
}

func executableRow(message *types.Message, content *types.ExecutableContent) *types.Vm {
	return &types.Vm{
		ItemHash:         message.ItemHash,
		Type:             message.Type,
		Owner:            message.Sender,
		Vcpus:            content.Resources.Vcpus,
		Memory:           content.Resources.Memory,
		Seconds:          content.Resources.Seconds,
		AllowAmend:       content.AllowAmend,
		Replaces:         content.Replaces,
		Internet:         content.Environment.Internet,
		AlephAPI:         content.Environment.AlephAPI,
		Reproducible:     content.Environment.Reproducible,
		SharedCache:      content.Environment.SharedCache,
		TrustedExecution: content.IsConfidential(),
		PaymentType:      content.PaymentType(),
		Created:          message.Time,
	}
}

func machineVolumeRow(vmHash string, volume types.MachineVolume) *types.VmMachineVolume {
	row := &types.VmMachineVolume{
		VmHash:      vmHash,
		Ref:         volume.Ref,
		UseLatest:   volume.UseLatest,
		Mount:       volume.Mount,
		Name:        volume.Name,
		SizeMib:     volume.SizeMib,
		Persistence: volume.Persistence,
	}
	switch {
	case volume.IsPersistent():
		row.Kind = "persistent"
		if volume.Parent != nil {
			parentRef := volume.Parent.Ref
			row.ParentRef = &parentRef
		}
	case volume.Ephemeral:
		row.Kind = "ephemeral"
	default:
		row.Kind = "immutable"
	}
	return row
}

// Forget drops the VM, its costs and repairs the version pointer.
func (h *VmHandler) Forget(ctx context.Context, q db.Querier, message *types.Message) error {
	vm, err := db.GetVm(ctx, q, message.ItemHash)
	if err != nil {
		return err
	}
	if vm == nil {
		return nil
	}
	if err := db.DeleteVm(ctx, q, message.ItemHash); err != nil {
		return err
	}
	if err := db.DeleteAccountCosts(ctx, q, message.ItemHash); err != nil {
		return err
	}
	chainHead := message.ItemHash
	if vm.Replaces != nil {
		chainHead = *vm.Replaces
	}
	return db.RefreshVmVersion(ctx, q, chainHead, message.Time)
}
