package types

import (
	"encoding/json"
	"time"
)

// AggregateElement is one AGGREGATE message's contribution to a (key,
// owner) document.
type AggregateElement struct {
	ItemHash         string          `db:"item_hash"`
	Key              string          `db:"key"`
	Owner            string          `db:"owner"`
	Content          json.RawMessage `db:"content"`
	CreationDatetime time.Time       `db:"creation_datetime"`
}

// Aggregate is the merged projection of all elements for a (key, owner).
// Dirty marks projections that must be rebuilt from their elements.
type Aggregate struct {
	Key              string          `db:"key"`
	Owner            string          `db:"owner"`
	Content          json.RawMessage `db:"content"`
	CreationDatetime time.Time       `db:"creation_datetime"`
	LastRevisionHash string          `db:"last_revision_hash"`
	Dirty            bool            `db:"dirty"`
}

// Post is the projection of a POST message. Amends points at the original
// for amend posts; LatestAmend points at the newest amend for originals.
type Post struct {
	ItemHash         string          `db:"item_hash"`
	Owner            string          `db:"owner"`
	Type             string          `db:"type"`
	Ref              *string         `db:"ref"`
	Amends           *string         `db:"amends"`
	Channel          *string         `db:"channel"`
	Content          json.RawMessage `db:"content"`
	CreationDatetime time.Time       `db:"creation_datetime"`
	LatestAmend      *string         `db:"latest_amend"`
}

// Vm is the common execution metadata of an INSTANCE or PROGRAM.
type Vm struct {
	ItemHash           string      `db:"item_hash"`
	Type               MessageType `db:"type"`
	Owner              string      `db:"owner"`
	Vcpus              int64       `db:"vcpus"`
	Memory             int64       `db:"memory"`
	Seconds            int64       `db:"seconds"`
	AllowAmend         bool        `db:"allow_amend"`
	Replaces           *string     `db:"replaces"`
	Internet           bool        `db:"environment_internet"`
	AlephAPI           bool        `db:"environment_aleph_api"`
	Reproducible       bool        `db:"environment_reproducible"`
	SharedCache        bool        `db:"environment_shared_cache"`
	TrustedExecution   bool        `db:"environment_trusted_execution"`
	PaymentType        PaymentType `db:"payment_type"`
	Created            time.Time   `db:"created"`
	ProgramType        *string     `db:"program_type"`
	Persistent         bool        `db:"persistent"`
	HTTPTrigger        bool        `db:"http_trigger"`
	RootfsRef          *string     `db:"rootfs_ref"`
	RootfsUseLatest    bool        `db:"rootfs_use_latest"`
	RootfsSizeMib      int64       `db:"rootfs_size_mib"`
	RootfsPersistence  *string     `db:"rootfs_persistence"`
	CodeRef            *string     `db:"code_ref"`
	CodeUseLatest      bool        `db:"code_use_latest"`
	CodeEntrypoint     *string     `db:"code_entrypoint"`
	RuntimeRef         *string     `db:"runtime_ref"`
	RuntimeUseLatest   bool        `db:"runtime_use_latest"`
	DataRef            *string     `db:"data_ref"`
	DataUseLatest      bool        `db:"data_use_latest"`
}

// VmMachineVolume is one attached volume row of a VM.
type VmMachineVolume struct {
	ID          int64   `db:"id"`
	VmHash      string  `db:"vm_hash"`
	Kind        string  `db:"kind"`
	Ref         *string `db:"ref"`
	UseLatest   bool    `db:"use_latest"`
	Mount       *string `db:"mount"`
	Name        *string `db:"name"`
	SizeMib     int64   `db:"size_mib"`
	ParentRef   *string `db:"parent_ref"`
	Persistence *string `db:"persistence"`
}

// VmVersion points at the newest hash in a VM's amend chain.
type VmVersion struct {
	VmHash         string    `db:"vm_hash"`
	Owner          string    `db:"owner"`
	CurrentVersion string    `db:"current_version"`
	LastUpdated    time.Time `db:"last_updated"`
}
