package types

import "github.com/pkg/errors"

// ItemType tells where a message's content lives: embedded in the message
// itself, in the content-addressed blob store, or on IPFS.
type ItemType string

const (
	ItemTypeInline  ItemType = "inline"
	ItemTypeStorage ItemType = "storage"
	ItemTypeIPFS    ItemType = "ipfs"
)

// ErrUnknownHashFormat is returned when an item hash matches none of the
// recognized formats.
var ErrUnknownHashFormat = errors.New("unknown hash format")

// ItemTypeFromHash infers the item type from the shape of the hash:
// CIDv0/CIDv1 strings map to ipfs, 64-char hex digests to storage.
func ItemTypeFromHash(itemHash string) (ItemType, error) {
	switch {
	case len(itemHash) >= 44 && len(itemHash) <= 46 && itemHash[:2] == "Qm":
		return ItemTypeIPFS, nil
	case len(itemHash) == 59 && itemHash[:4] == "bafy":
		return ItemTypeIPFS, nil
	case len(itemHash) == 64:
		return ItemTypeStorage, nil
	default:
		return "", errors.Wrapf(ErrUnknownHashFormat, "%q", itemHash)
	}
}
