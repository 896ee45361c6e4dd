package handlers

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/cost"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/storage"
	"github.com/aleph-im/aleph-node/types"
)

// IPFS files up to this size are downloaded into the blob store instead
// of staying daemon-pinned only.
const maxInlineIpfsFileSize = 1 << 20

// StoreConfig tunes the STORE handler.
type StoreConfig struct {
	// StoreFiles makes the node download and keep STORE bodies locally.
	StoreFiles bool
	// IpfsEnabled allows ipfs item types.
	IpfsEnabled bool
	// GracePeriod is how long an unpinned file survives before GC.
	GracePeriod time.Duration
}

// StoreHandler projects STORE messages into the file catalog: pins,
// tags and the stored-file rows the GC works from.
type StoreHandler struct {
	storage *storage.Service
	ipfs    storage.Ipfs
	config  StoreConfig
}

// NewStoreHandler builds the STORE handler. ipfs may be nil when the
// daemon is disabled.
func NewStoreHandler(storageService *storage.Service, ipfs storage.Ipfs, config StoreConfig) *StoreHandler {
	return &StoreHandler{storage: storageService, ipfs: ipfs, config: config}
}

// FetchRelatedContent makes the announced file locally known: small
// items are downloaded, large IPFS DAGs are pinned and cataloged by
// their cumulative size.
func (h *StoreHandler) FetchRelatedContent(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseStoreContent(message.Content)
	if err != nil {
		return err
	}

	file := &types.StoredFile{Hash: content.ItemHash, Size: -1, Type: types.FileTypeFile}

	if content.ItemType == types.ItemTypeIPFS {
		if !h.config.IpfsEnabled || h.ipfs == nil {
			return errors.Wrap(types.ErrInvalidFormat, "ipfs is disabled on this node")
		}
		stat, err := h.ipfs.Stat(ctx, content.ItemHash)
		if err != nil {
			return errors.Wrapf(types.ErrContentUnavailable, "could not stat %s: %v", content.ItemHash, err)
		}
		isSmallFile := stat.Type == "file" &&
			stat.CumulativeSize < maxInlineIpfsFileSize &&
			len(content.ItemHash) == 46
		if isSmallFile && h.config.StoreFiles {
			value, err := h.storage.GetHashContent(ctx, content.ItemHash, types.ItemTypeIPFS, storage.DefaultFetchOptions())
			if err != nil {
				return err
			}
			file.Size = int64(len(value))
		} else {
			if err := h.ipfs.PinAdd(ctx, content.ItemHash); err != nil {
				return errors.Wrapf(types.ErrContentUnavailable, "could not pin %s: %v", content.ItemHash, err)
			}
			file.Size = stat.CumulativeSize
			if stat.Type == "directory" {
				file.Type = types.FileTypeDirectory
			}
		}
	} else if h.config.StoreFiles {
		value, err := h.storage.GetHashContent(ctx, content.ItemHash, types.ItemTypeStorage, storage.DefaultFetchOptions())
		if err != nil {
			return err
		}
		file.Size = int64(len(value))
	}

	return db.UpsertStoredFile(ctx, q, file)
}

// CheckDependencies enforces single-level revisions: a ref that is an
// item hash must point at an already-pinned STORE that has no ref of
// its own.
func (h *StoreHandler) CheckDependencies(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseStoreContent(message.Content)
	if err != nil {
		return err
	}
	if content.Ref == nil || *content.Ref == "" {
		return nil
	}
	if _, err := types.ItemTypeFromHash(*content.Ref); err != nil {
		// Named refs are user-defined tags, not message references.
		return nil
	}
	pin, err := db.GetMessageFilePin(ctx, q, *content.Ref)
	if err != nil {
		return err
	}
	if pin == nil {
		return errors.Wrapf(types.ErrStoreRefNotFound, "store %s", *content.Ref)
	}
	if pin.Ref != nil && *pin.Ref != "" {
		return errors.Wrapf(types.ErrStoreUpdateRef, "store %s", *content.Ref)
	}
	return nil
}

// CheckPermissions refuses to retarget a tag owned by someone else.
func (h *StoreHandler) CheckPermissions(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseStoreContent(message.Content)
	if err != nil {
		return err
	}
	tag := types.MakeFileTag(message.Sender, content.Ref, message.ItemHash)
	existing, err := db.GetFileTag(ctx, q, tag)
	if err != nil {
		return err
	}
	if existing != nil && existing.Owner != message.Sender {
		return errors.Wrapf(types.ErrPermissionDenied,
			"tag %s belongs to %s", tag, existing.Owner)
	}
	return nil
}

// Process pins the file on behalf of the message and points the tag at
// it.
func (h *StoreHandler) Process(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseStoreContent(message.Content)
	if err != nil {
		return err
	}

	owner := message.Sender
	itemHash := message.ItemHash
	pin := &types.FilePin{
		FileHash: content.ItemHash,
		Created:  message.Time,
		Type:     types.FilePinTypeMessage,
		Owner:    &owner,
		ItemHash: &itemHash,
		Ref:      content.Ref,
	}
	if err := db.InsertFilePin(ctx, q, pin); err != nil {
		return err
	}
	// A re-announced file no longer needs its deletion deadline.
	if err := db.DeleteGracePeriodPinsForFile(ctx, q, content.ItemHash); err != nil {
		return err
	}
	if err := db.UpsertFileTag(ctx, q, &types.FileTag{
		Tag:         types.MakeFileTag(owner, content.Ref, itemHash),
		Owner:       owner,
		FileHash:    content.ItemHash,
		LastUpdated: message.Time,
	}); err != nil {
		return err
	}
	return h.chargeStorage(ctx, q, message, content)
}

// Files below this size are stored for free.
const freeStoreAllowance = 25 * mib

// chargeStorage values the stored file and locks the owner's balance
// when it exceeds the free allowance. Unknown sizes (bodies the node
// chose not to download) are not billed.
func (h *StoreHandler) chargeStorage(ctx context.Context, q db.Querier, message *types.Message, content *types.StoreContent) error {
	file, err := db.GetStoredFile(ctx, q, content.ItemHash)
	if err != nil {
		return err
	}
	if file == nil || file.Size < 0 {
		return nil
	}
	model, err := effectivePricingModel(ctx, q, message)
	if err != nil {
		return err
	}
	calculator := cost.NewCalculator(cost.DbFileResolver{Q: q}, model)
	costs, err := calculator.StoreCosts(ctx, content, message.ItemHash)
	if err != nil {
		return err
	}
	if file.Size > freeStoreAllowance {
		total := cost.TotalCost(costs, types.PaymentTypeHold)
		if err := cost.ValidateBalance(ctx, q, message.Sender, total, types.PaymentTypeHold); err != nil {
			return err
		}
	}
	return db.InsertAccountCosts(ctx, q, costs)
}

// Forget drops the MESSAGE pin, repairs the tag and leaves a grace pin
// so a re-announcement inside the window skips the fetch round-trip.
func (h *StoreHandler) Forget(ctx context.Context, q db.Querier, message *types.Message) error {
	content, err := types.ParseStoreContent(message.Content)
	if err != nil {
		return err
	}
	users, err := db.FindVmsUsingFile(ctx, q, message.ItemHash)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return errors.Wrapf(types.ErrForgetNotAllowed,
			"file of %s is mounted by %d vms", message.ItemHash, len(users))
	}
	if err := db.DeleteFilePin(ctx, q, message.ItemHash); err != nil {
		return err
	}
	tag := types.MakeFileTag(message.Sender, content.Ref, message.ItemHash)
	if err := db.RefreshFileTag(ctx, q, tag); err != nil {
		return err
	}
	if err := db.DeleteAccountCosts(ctx, q, message.ItemHash); err != nil {
		return err
	}
	count, err := db.CountFilePins(ctx, q, content.ItemHash)
	if err != nil {
		return err
	}
	if count == 0 {
		now := time.Now()
		return db.InsertGracePeriodPin(ctx, q, content.ItemHash, now, now.Add(h.config.GracePeriod))
	}
	return nil
}
