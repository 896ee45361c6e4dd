package types

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// PaymentType is how a VM or file is paid for: a one-shot token hold, a
// superfluid stream, or a credit burn.
type PaymentType string

const (
	PaymentTypeHold      PaymentType = "hold"
	PaymentTypeSuperfluid PaymentType = "superfluid"
	PaymentTypeCredit    PaymentType = "credit"
)

// VolumeRef points at a file by item hash. When UseLatest is set the ref
// resolves through file tags instead of pins, following amendments.
type VolumeRef struct {
	Ref       string `json:"ref"`
	UseLatest bool   `json:"use_latest,omitempty"`
}

// MachineVolume is one attached volume of an instance or program. The
// variant is encoded by which fields are present: a ref makes it
// immutable, an ephemeral flag a scratch disk, a persistence value a
// persistent named volume.
type MachineVolume struct {
	Comment     *string    `json:"comment,omitempty"`
	Mount       *string    `json:"mount,omitempty"`
	Ref         *string    `json:"ref,omitempty"`
	UseLatest   bool       `json:"use_latest,omitempty"`
	Ephemeral   bool       `json:"ephemeral,omitempty"`
	Persistence *string    `json:"persistence,omitempty"`
	Name        *string    `json:"name,omitempty"`
	SizeMib     int64      `json:"size_mib,omitempty"`
	Parent      *VolumeRef `json:"parent,omitempty"`
}

// IsImmutable reports whether the volume references a stored file.
func (v *MachineVolume) IsImmutable() bool {
	return v.Ref != nil && !v.Ephemeral && v.Persistence == nil
}

// IsPersistent reports whether the volume survives reboots.
func (v *MachineVolume) IsPersistent() bool {
	return v.Persistence != nil
}

// MachineResources is the requested execution envelope.
type MachineResources struct {
	Vcpus   int64 `json:"vcpus"`
	Memory  int64 `json:"memory"`
	Seconds int64 `json:"seconds"`
}

// TrustedExecution marks confidential computing requirements.
type TrustedExecution struct {
	Policy   *int64  `json:"policy,omitempty"`
	Firmware *string `json:"firmware,omitempty"`
}

// FunctionEnvironment carries the execution environment flags.
type FunctionEnvironment struct {
	Reproducible     bool              `json:"reproducible,omitempty"`
	Internet         bool              `json:"internet,omitempty"`
	AlephAPI         bool              `json:"aleph_api,omitempty"`
	SharedCache      bool              `json:"shared_cache,omitempty"`
	Hypervisor       *string           `json:"hypervisor,omitempty"`
	TrustedExecution *TrustedExecution `json:"trusted_execution,omitempty"`
}

// GpuProperties describes one requested GPU device.
type GpuProperties struct {
	Vendor     string `json:"vendor"`
	DeviceName string `json:"device_name"`
	DeviceClass string `json:"device_class"`
	DeviceID   string `json:"device_id"`
}

// HostRequirements restricts scheduling to specific nodes or hardware.
type HostRequirements struct {
	Gpu  []GpuProperties `json:"gpu,omitempty"`
	Node json.RawMessage `json:"node,omitempty"`
}

// Payment selects the payment flow for an executable.
type Payment struct {
	Chain    Chain       `json:"chain"`
	Type     PaymentType `json:"type"`
	Receiver *string     `json:"receiver,omitempty"`
}

// ExecutableContent is the part shared by INSTANCE and PROGRAM payloads.
type ExecutableContent struct {
	BaseContent
	AllowAmend     bool                `json:"allow_amend,omitempty"`
	Metadata       json.RawMessage     `json:"metadata,omitempty"`
	AuthorizedKeys []string            `json:"authorized_keys,omitempty"`
	Variables      map[string]string   `json:"variables,omitempty"`
	Environment    FunctionEnvironment `json:"environment"`
	Resources      MachineResources    `json:"resources"`
	Requirements   *HostRequirements   `json:"requirements,omitempty"`
	Payment        *Payment            `json:"payment,omitempty"`
	Replaces       *string             `json:"replaces,omitempty"`
	Volumes        []MachineVolume     `json:"volumes,omitempty"`
}

// PaymentType returns the effective payment type, defaulting to hold.
func (c *ExecutableContent) PaymentType() PaymentType {
	if c.Payment == nil || c.Payment.Type == "" {
		return PaymentTypeHold
	}
	return c.Payment.Type
}

// IsConfidential reports whether the executable requests trusted
// execution.
func (c *ExecutableContent) IsConfidential() bool {
	return c.Environment.TrustedExecution != nil
}

// RootfsVolume is the base disk of an instance.
type RootfsVolume struct {
	Parent      VolumeRef `json:"parent"`
	Persistence string    `json:"persistence"`
	SizeMib     int64     `json:"size_mib"`
}

// InstanceContent is the payload of an INSTANCE message.
type InstanceContent struct {
	ExecutableContent
	Rootfs RootfsVolume `json:"rootfs"`
}

// CodeContent points a program at its code archive.
type CodeContent struct {
	Encoding   string  `json:"encoding"`
	Entrypoint string  `json:"entrypoint"`
	Ref        string  `json:"ref"`
	UseLatest  bool    `json:"use_latest,omitempty"`
	Interface  *string `json:"interface,omitempty"`
}

// FunctionRuntime points a program at its runtime image.
type FunctionRuntime struct {
	Ref       string  `json:"ref"`
	UseLatest bool    `json:"use_latest,omitempty"`
	Comment   *string `json:"comment,omitempty"`
}

// DataContent is an optional data archive mounted into a program.
type DataContent struct {
	Encoding  string  `json:"encoding"`
	Mount     string  `json:"mount"`
	Ref       string  `json:"ref"`
	UseLatest bool    `json:"use_latest,omitempty"`
}

// ExportContent mirrors DataContent for outputs.
type ExportContent struct {
	Encoding string  `json:"encoding"`
	Mount    string  `json:"mount"`
	Ref      *string `json:"ref,omitempty"`
}

// FunctionTriggers declares what wakes the program up.
type FunctionTriggers struct {
	HTTP    bool            `json:"http"`
	Cron    *string         `json:"cron,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Persistent bool         `json:"persistent,omitempty"`
}

// ProgramContent is the payload of a PROGRAM message.
type ProgramContent struct {
	ExecutableContent
	Type       string           `json:"type"`
	Code       CodeContent      `json:"code"`
	Runtime    FunctionRuntime  `json:"runtime"`
	Data       *DataContent     `json:"data,omitempty"`
	Export     *ExportContent   `json:"export,omitempty"`
	On         FunctionTriggers `json:"on"`
}

// IsPersistent reports whether the program runs continuously instead of
// on-demand.
func (c *ProgramContent) IsPersistent() bool {
	return c.On.Persistent
}

// ParseInstanceContent decodes and validates an INSTANCE payload.
func ParseInstanceContent(raw json.RawMessage) (*InstanceContent, error) {
	var content InstanceContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, errors.Wrap(ErrInvalidContent, err.Error())
	}
	if content.Rootfs.Parent.Ref == "" {
		return nil, errors.Wrap(ErrInvalidContent, "instance without rootfs parent")
	}
	if content.Resources.Vcpus <= 0 || content.Resources.Memory <= 0 {
		return nil, errors.Wrap(ErrInvalidContent, "instance without resources")
	}
	return &content, nil
}

// ParseProgramContent decodes and validates a PROGRAM payload.
func ParseProgramContent(raw json.RawMessage) (*ProgramContent, error) {
	var content ProgramContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, errors.Wrap(ErrInvalidContent, err.Error())
	}
	if content.Code.Ref == "" {
		return nil, errors.Wrap(ErrInvalidContent, "program without code ref")
	}
	if content.Runtime.Ref == "" {
		return nil, errors.Wrap(ErrInvalidContent, "program without runtime ref")
	}
	if content.Resources.Vcpus <= 0 || content.Resources.Memory <= 0 {
		return nil, errors.Wrap(ErrInvalidContent, "program without resources")
	}
	return &content, nil
}
