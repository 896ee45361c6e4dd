package types

import "time"

// FileType discriminates stored blobs from pinned IPFS directories.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "dir"
)

// FilePinType is the reason a file is kept alive.
type FilePinType string

const (
	// FilePinTypeContent pins the body of a non-inline message.
	FilePinTypeContent FilePinType = "content"
	// FilePinTypeMessage pins a user file announced by a STORE message.
	FilePinTypeMessage FilePinType = "message"
	// FilePinTypeTx pins an off-chain sync archive.
	FilePinTypeTx FilePinType = "tx"
	// FilePinTypeGracePeriod keeps an unpinned file around until DeleteBy.
	FilePinTypeGracePeriod FilePinType = "grace_period"
)

// StoredFile catalogs content present, or expected, in the local blob
// store. Size is -1 when unknown (STORE bodies the node chose not to
// download).
type StoredFile struct {
	Hash string   `db:"hash"`
	Size int64    `db:"size"`
	Type FileType `db:"type"`
}

// FilePin is one reason to keep a StoredFile. The variant-specific columns
// are nullable; readers switch on Type.
type FilePin struct {
	ID       int64       `db:"id"`
	FileHash string      `db:"file_hash"`
	Created  time.Time   `db:"created"`
	Type     FilePinType `db:"type"`
	TxHash   *string     `db:"tx_hash"`
	Owner    *string     `db:"owner"`
	ItemHash *string     `db:"item_hash"`
	Ref      *string     `db:"ref"`
	DeleteBy *time.Time  `db:"delete_by"`
}

// FileTag is the latest-known file hash for a user-defined reference.
type FileTag struct {
	Tag         string    `db:"tag"`
	Owner       string    `db:"owner"`
	FileHash    string    `db:"file_hash"`
	LastUpdated time.Time `db:"last_updated"`
}

// MakeFileTag computes the tag a STORE message writes: the item hash when
// there is no ref, the ref itself when it is a valid item hash, and
// "<owner>/<ref>" otherwise.
func MakeFileTag(owner string, ref *string, itemHash string) string {
	if ref == nil || *ref == "" {
		return itemHash
	}
	if _, err := ItemTypeFromHash(*ref); err == nil {
		return *ref
	}
	return owner + "/" + *ref
}
