package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/types"
)

// UpsertStoredFile catalogs a blob. A later sighting with a real size
// replaces a placeholder size of -1.
func UpsertStoredFile(ctx context.Context, q Querier, file *types.StoredFile) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO files (hash, size, type) VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO UPDATE
			SET size = CASE WHEN files.size < 0 THEN EXCLUDED.size ELSE files.size END`,
		file.Hash, file.Size, file.Type,
	)
	return errors.Wrap(err, "could not upsert stored file")
}

// GetStoredFile returns the catalog row for a hash, or nil.
func GetStoredFile(ctx context.Context, q Querier, hash string) (*types.StoredFile, error) {
	var file types.StoredFile
	err := sqlx.GetContext(ctx, q, &file, `SELECT * FROM files WHERE hash = $1`, hash)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get stored file")
	}
	return &file, nil
}

// DeleteStoredFile removes the catalog row.
func DeleteStoredFile(ctx context.Context, q Querier, hash string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM files WHERE hash = $1`, hash)
	return errors.Wrap(err, "could not delete stored file")
}

// GetUnpinnedFiles returns files with no remaining pin, the GC deletion
// candidates.
func GetUnpinnedFiles(ctx context.Context, q Querier) ([]*types.StoredFile, error) {
	var files []*types.StoredFile
	err := sqlx.SelectContext(ctx, q, &files, `
		SELECT f.* FROM files f
		WHERE NOT EXISTS (SELECT 1 FROM file_pins p WHERE p.file_hash = f.hash)`)
	return files, errors.Wrap(err, "could not select unpinned files")
}

// InsertFilePin adds a pin. Pins carrying an item hash are unique per
// (item_hash, type), so replaying a message cannot double-pin; pins
// without one (TX and grace-period pins) are one row per sighting.
func InsertFilePin(ctx context.Context, q Querier, pin *types.FilePin) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO file_pins (file_hash, created, type, tx_hash, owner, item_hash, ref, delete_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (item_hash, type) WHERE item_hash IS NOT NULL DO NOTHING`,
		pin.FileHash, pin.Created, pin.Type, pin.TxHash, pin.Owner,
		pin.ItemHash, pin.Ref, pin.DeleteBy,
	)
	return errors.Wrap(err, "could not insert file pin")
}

// GetMessageFilePin returns the MESSAGE pin created by a STORE message,
// or nil.
func GetMessageFilePin(ctx context.Context, q Querier, itemHash string) (*types.FilePin, error) {
	var pin types.FilePin
	err := sqlx.GetContext(ctx, q, &pin, `
		SELECT * FROM file_pins WHERE item_hash = $1 AND type = $2`,
		itemHash, types.FilePinTypeMessage,
	)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get message file pin")
	}
	return &pin, nil
}

// FindFilePins returns, among the given item hashes, the ones with a live
// MESSAGE or CONTENT pin.
func FindFilePins(ctx context.Context, q Querier, itemHashes []string) ([]string, error) {
	var found []string
	err := sqlx.SelectContext(ctx, q, &found, `
		SELECT DISTINCT item_hash FROM file_pins
		WHERE item_hash = ANY($1) AND type IN ($2, $3)`,
		types.StringArray(itemHashes), types.FilePinTypeMessage, types.FilePinTypeContent,
	)
	return found, errors.Wrap(err, "could not find file pins")
}

// CountFilePins returns the number of live pins of a file.
func CountFilePins(ctx context.Context, q Querier, fileHash string) (int64, error) {
	var count int64
	err := sqlx.GetContext(ctx, q, &count, `
		SELECT COUNT(*) FROM file_pins WHERE file_hash = $1`, fileHash)
	return count, errors.Wrap(err, "could not count file pins")
}

// DeleteFilePin removes the MESSAGE pin a STORE created.
func DeleteFilePin(ctx context.Context, q Querier, itemHash string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM file_pins WHERE item_hash = $1 AND type = $2`,
		itemHash, types.FilePinTypeMessage,
	)
	return errors.Wrap(err, "could not delete file pin")
}

// InsertGracePeriodPin gives an unpinned file a deletion deadline instead
// of removing it outright.
func InsertGracePeriodPin(ctx context.Context, q Querier, fileHash string, created, deleteBy time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO file_pins (file_hash, created, type, delete_by)
		VALUES ($1, $2, $3, $4)`,
		fileHash, created, types.FilePinTypeGracePeriod, deleteBy,
	)
	return errors.Wrap(err, "could not insert grace period pin")
}

// DeleteExpiredGracePeriodPins removes grace pins whose deadline passed.
func DeleteExpiredGracePeriodPins(ctx context.Context, q Querier, cutoff time.Time) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM file_pins WHERE type = $1 AND delete_by < $2`,
		types.FilePinTypeGracePeriod, cutoff,
	)
	return errors.Wrap(err, "could not delete expired grace period pins")
}

// DeleteGracePeriodPinsForFile clears the deletion deadline of a file that
// got pinned again inside the grace window.
func DeleteGracePeriodPinsForFile(ctx context.Context, q Querier, fileHash string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM file_pins WHERE type = $1 AND file_hash = $2`,
		types.FilePinTypeGracePeriod, fileHash,
	)
	return errors.Wrap(err, "could not delete grace period pins")
}

// UpsertFileTag writes a tag with last-write-wins semantics on the update
// time.
func UpsertFileTag(ctx context.Context, q Querier, tag *types.FileTag) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO file_tags (tag, owner, file_hash, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tag) DO UPDATE
			SET file_hash = EXCLUDED.file_hash, last_updated = EXCLUDED.last_updated
			WHERE file_tags.last_updated < EXCLUDED.last_updated`,
		tag.Tag, tag.Owner, tag.FileHash, tag.LastUpdated,
	)
	return errors.Wrap(err, "could not upsert file tag")
}

// GetFileTag returns a tag row, or nil when the tag is unknown.
func GetFileTag(ctx context.Context, q Querier, tag string) (*types.FileTag, error) {
	var row types.FileTag
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM file_tags WHERE tag = $1`, tag)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get file tag")
	}
	return &row, nil
}

// FindFileTags returns, among the given tags, the ones that exist.
func FindFileTags(ctx context.Context, q Querier, tags []string) ([]string, error) {
	var found []string
	err := sqlx.SelectContext(ctx, q, &found, `
		SELECT tag FROM file_tags WHERE tag = ANY($1)`, types.StringArray(tags))
	return found, errors.Wrap(err, "could not find file tags")
}

// RefreshFileTag recomputes a tag from the remaining MESSAGE pins after a
// forget: the newest pin wins, and the tag disappears with its last pin.
func RefreshFileTag(ctx context.Context, q Querier, tag string) error {
	var pin types.FilePin
	err := sqlx.GetContext(ctx, q, &pin, `
		SELECT p.* FROM file_pins p
		JOIN messages m ON m.item_hash = p.item_hash
		WHERE p.type = $1 AND COALESCE(p.ref, p.item_hash) = $2
		ORDER BY m.time DESC
		LIMIT 1`,
		types.FilePinTypeMessage, tag,
	)
	if IsNotFound(err) {
		_, err = q.ExecContext(ctx, `DELETE FROM file_tags WHERE tag = $1`, tag)
		return errors.Wrap(err, "could not delete orphaned file tag")
	}
	if err != nil {
		return errors.Wrap(err, "could not refresh file tag")
	}
	_, err = q.ExecContext(ctx, `
		UPDATE file_tags SET file_hash = $2, last_updated = NOW() WHERE tag = $1`,
		tag, pin.FileHash,
	)
	return errors.Wrap(err, "could not update file tag")
}
