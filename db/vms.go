package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// InsertVm records the common execution metadata row of an INSTANCE or
// PROGRAM.
func InsertVm(ctx context.Context, q Querier, vm *types.Vm) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO vms
			(item_hash, type, owner, vcpus, memory, seconds, allow_amend, replaces,
			 environment_internet, environment_aleph_api, environment_reproducible,
			 environment_shared_cache, environment_trusted_execution, payment_type, created,
			 program_type, persistent, http_trigger,
			 rootfs_ref, rootfs_use_latest, rootfs_size_mib, rootfs_persistence,
			 code_ref, code_use_latest, code_entrypoint,
			 runtime_ref, runtime_use_latest, data_ref, data_use_latest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
		ON CONFLICT (item_hash) DO NOTHING`,
		vm.ItemHash, vm.Type, vm.Owner, vm.Vcpus, vm.Memory, vm.Seconds, vm.AllowAmend,
		vm.Replaces, vm.Internet, vm.AlephAPI, vm.Reproducible, vm.SharedCache,
		vm.TrustedExecution, vm.PaymentType, vm.Created, vm.ProgramType, vm.Persistent,
		vm.HTTPTrigger, vm.RootfsRef, vm.RootfsUseLatest, vm.RootfsSizeMib,
		vm.RootfsPersistence, vm.CodeRef, vm.CodeUseLatest, vm.CodeEntrypoint,
		vm.RuntimeRef, vm.RuntimeUseLatest, vm.DataRef, vm.DataUseLatest,
	)
	return errors.Wrap(err, "could not insert vm")
}

// InsertVmMachineVolume records one attached volume.
func InsertVmMachineVolume(ctx context.Context, q Querier, volume *types.VmMachineVolume) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO vm_machine_volumes
			(vm_hash, kind, ref, use_latest, mount, name, size_mib, parent_ref, persistence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		volume.VmHash, volume.Kind, volume.Ref, volume.UseLatest, volume.Mount,
		volume.Name, volume.SizeMib, volume.ParentRef, volume.Persistence,
	)
	return errors.Wrap(err, "could not insert vm machine volume")
}

// GetVm loads a VM row, or nil.
func GetVm(ctx context.Context, q Querier, itemHash string) (*types.Vm, error) {
	var vm types.Vm
	err := sqlx.GetContext(ctx, q, &vm, `SELECT * FROM vms WHERE item_hash = $1`, itemHash)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get vm")
	}
	return &vm, nil
}

// DeleteVm removes a VM and, via cascade, its volumes.
func DeleteVm(ctx context.Context, q Querier, itemHash string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM vms WHERE item_hash = $1`, itemHash)
	return errors.Wrap(err, "could not delete vm")
}

// DeleteVmUpdates removes every VM that replaces the given one, returning
// their hashes for cascading forgets.
func DeleteVmUpdates(ctx context.Context, q Querier, original string) ([]string, error) {
	var hashes []string
	err := sqlx.SelectContext(ctx, q, &hashes, `
		DELETE FROM vms WHERE replaces = $1 RETURNING item_hash`, original)
	return hashes, errors.Wrap(err, "could not delete vm updates")
}

// FindVmsUsingFile returns VMs whose volumes reference the given item
// hash, which blocks forgetting the underlying STORE.
func FindVmsUsingFile(ctx context.Context, q Querier, itemHash string) ([]string, error) {
	var hashes []string
	err := sqlx.SelectContext(ctx, q, &hashes, `
		SELECT DISTINCT vm_hash FROM vm_machine_volumes WHERE ref = $1 OR parent_ref = $1
		UNION
		SELECT item_hash FROM vms
		WHERE rootfs_ref = $1 OR code_ref = $1 OR runtime_ref = $1 OR data_ref = $1`,
		itemHash,
	)
	return hashes, errors.Wrap(err, "could not find vms using file")
}

// UpsertVmVersion points the amend chain of a VM at its newest hash.
func UpsertVmVersion(ctx context.Context, q Querier, version *types.VmVersion) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO vm_versions (vm_hash, owner, current_version, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vm_hash) DO UPDATE
			SET current_version = EXCLUDED.current_version,
			    last_updated = EXCLUDED.last_updated
			WHERE vm_versions.last_updated <= EXCLUDED.last_updated`,
		version.VmHash, version.Owner, version.CurrentVersion, version.LastUpdated,
	)
	return errors.Wrap(err, "could not upsert vm version")
}

// GetVmVersion loads the version pointer of a VM, or nil.
func GetVmVersion(ctx context.Context, q Querier, vmHash string) (*types.VmVersion, error) {
	var version types.VmVersion
	err := sqlx.GetContext(ctx, q, &version, `SELECT * FROM vm_versions WHERE vm_hash = $1`, vmHash)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get vm version")
	}
	return &version, nil
}

// RefreshVmVersion recomputes the version pointer after a forget: the
// newest surviving VM of the chain wins, and the pointer disappears with
// the last VM.
func RefreshVmVersion(ctx context.Context, q Querier, vmHash string, now time.Time) error {
	var current string
	err := sqlx.GetContext(ctx, q, &current, `
		SELECT item_hash FROM vms
		WHERE item_hash = $1 OR replaces = $1
		ORDER BY created DESC
		LIMIT 1`,
		vmHash,
	)
	if IsNotFound(err) {
		_, err = q.ExecContext(ctx, `DELETE FROM vm_versions WHERE vm_hash = $1`, vmHash)
		return errors.Wrap(err, "could not delete vm version")
	}
	if err != nil {
		return errors.Wrap(err, "could not refresh vm version")
	}
	_, err = q.ExecContext(ctx, `
		UPDATE vm_versions SET current_version = $2, last_updated = $3 WHERE vm_hash = $1`,
		vmHash, current, now,
	)
	return errors.Wrap(err, "could not update vm version")
}
