package storage

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/async"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

// GarbageCollector periodically deletes files nothing pins anymore:
// first expired grace-period pins fall, then files left with zero pins
// lose their blob, their IPFS pin and their catalog row.
type GarbageCollector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    *db.Store
	engine   Engine
	ipfs     Ipfs
	interval time.Duration
	runErr   error
}

// NewGarbageCollector builds the GC service. ipfs may be nil when the
// daemon is disabled.
func NewGarbageCollector(ctx context.Context, store *db.Store, engine Engine, ipfs Ipfs, interval time.Duration) *GarbageCollector {
	ctx, cancel := context.WithCancel(ctx)
	return &GarbageCollector{
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		engine:   engine,
		ipfs:     ipfs,
		interval: interval,
	}
}

// Start launches the periodic collection loop.
func (gc *GarbageCollector) Start() {
	async.RunEvery(gc.ctx, gc.interval, func() {
		if err := gc.CollectOnce(gc.ctx); err != nil {
			gc.runErr = err
			log.WithError(err).Error("Garbage collection run failed")
		} else {
			gc.runErr = nil
		}
	})
}

// Stop halts the collection loop.
func (gc *GarbageCollector) Stop() error {
	gc.cancel()
	return nil
}

// Status reports the outcome of the last run.
func (gc *GarbageCollector) Status() error {
	return gc.runErr
}

func (gc *GarbageCollector) deleteFile(ctx context.Context, file *types.StoredFile) error {
	if err := gc.engine.Delete(file.Hash); err != nil {
		return err
	}
	if gc.ipfs != nil {
		if _, err := cid.Decode(file.Hash); err == nil {
			if err := gc.ipfs.PinRm(ctx, file.Hash); err != nil {
				// The daemon may never have pinned the CID.
				log.WithError(err).WithField("hash", file.Hash).Debug("Could not unpin file")
			}
		}
	}
	return gc.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return db.DeleteStoredFile(ctx, tx, file.Hash)
	})
}

// CollectOnce runs one full collection pass.
func (gc *GarbageCollector) CollectOnce(ctx context.Context) error {
	now := time.Now()
	if err := gc.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return db.DeleteExpiredGracePeriodPins(ctx, tx, now)
	}); err != nil {
		return err
	}

	files, err := db.GetUnpinnedFiles(ctx, gc.store.DB())
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	deleted := 0
	for _, file := range files {
		if err := gc.deleteFile(ctx, file); err != nil {
			log.WithError(err).WithField("hash", file.Hash).Warn("Could not delete file")
			continue
		}
		deleted++
	}
	log.WithField("deleted", deleted).Info("Garbage collection pass finished")

	if gc.ipfs != nil && deleted > 0 {
		if err := gc.ipfs.RepoGC(ctx); err != nil {
			return errors.Wrap(err, "ipfs repo gc failed")
		}
	}
	return nil
}
