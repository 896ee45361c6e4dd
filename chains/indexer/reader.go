package indexer

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/chains"
	"github.com/aleph-im/aleph-node/container/multirange"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

const (
	// eventPageLimit is the indexer's page size.
	eventPageLimit = 1000
	// idlePeriod separates full passes, and retries after failures.
	idlePeriod = 10 * time.Second
)

// Reader keeps one (chain, event type) stream synced: it diffs the
// indexer's processed windows against the local multirange and fills the
// gaps, publishing every recovered tx.
type Reader struct {
	ctx       context.Context
	cancel    context.CancelFunc
	chain     types.Chain
	eventType EventType
	contract  string
	client    *Client
	store     *db.Store
	publisher *chains.PendingTxPublisher
	runErr    error
}

// NewReader builds a reader for one event stream.
func NewReader(ctx context.Context, chain types.Chain, eventType EventType, contract string,
	client *Client, store *db.Store, publisher *chains.PendingTxPublisher) *Reader {
	ctx, cancel := context.WithCancel(ctx)
	return &Reader{
		ctx:       ctx,
		cancel:    cancel,
		chain:     chain,
		eventType: eventType,
		contract:  contract,
		client:    client,
		store:     store,
		publisher: publisher,
	}
}

// Start runs the sync loop until the context is canceled.
func (r *Reader) Start() {
	go func() {
		for {
			if err := r.SyncOnce(r.ctx); err != nil {
				r.runErr = err
				log.WithError(err).WithFields(logrus.Fields{
					"chain":      r.chain,
					"event_type": r.eventType,
				}).Error("Indexer sync failed, retrying")
			} else {
				r.runErr = nil
			}
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(idlePeriod):
			}
		}
	}()
}

// Stop cancels the sync loop.
func (r *Reader) Stop() error {
	r.cancel()
	return nil
}

// Status reports the last pass's error, if any.
func (r *Reader) Status() error {
	return r.runErr
}

// SyncOnce performs one full pass: fetch the indexer's processed
// windows, subtract the local ones and fill every missing range.
func (r *Reader) SyncOnce(ctx context.Context) error {
	state, err := r.client.FetchAccountState(ctx, r.chain, r.contract)
	if err != nil {
		return err
	}
	if state == nil {
		log.WithFields(logrus.Fields{
			"chain":    r.chain,
			"contract": r.contract,
		}).Warn("Indexer has no account state, is it up to date?")
		return nil
	}

	indexed := multirange.New()
	for _, window := range state.Processed {
		indexed.Add(multirange.Range{
			Lower: window.Start, Upper: window.End,
			LowerInc: true, UpperInc: true,
		})
	}

	var synced *multirange.MultiRange
	err = r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		synced, err = db.GetIndexerMultiRange(ctx, tx, r.chain, string(r.eventType))
		return err
	})
	if err != nil {
		return err
	}

	for _, missing := range indexed.Subtract(synced).Ranges() {
		if err := r.fetchRange(ctx, missing); err != nil {
			return err
		}
	}
	return nil
}

// fetchRange pages through one missing window. Full pages extend the
// local multirange exclusively of the last event's timestamp so the next
// page resumes there; the final page closes the window inclusively.
func (r *Reader) fetchRange(ctx context.Context, window multirange.Range) error {
	start := window.Lower
	for {
		events, err := r.client.FetchEvents(ctx, r.chain, r.eventType, start, window.Upper, eventPageLimit)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"chain":      r.chain,
			"event_type": r.eventType,
			"count":      len(events),
		}).Info("Fetched indexer events")

		var txs []*types.ChainTx
		for i := range events {
			tx, err := EventChainTx(r.chain, r.eventType, &events[i])
			if err != nil {
				log.WithError(err).WithField("event_id", events[i].ID).
					Warn("Skipping malformed indexer event")
				continue
			}
			txs = append(txs, tx)
		}

		synced := multirange.Range{Lower: start, LowerInc: window.LowerInc}
		if len(events) >= eventPageLimit {
			synced.Upper = events[len(events)-1].Time()
		} else {
			synced.Upper, synced.UpperInc = window.Upper, true
		}

		for _, tx := range txs {
			if err := r.publisher.Publish(ctx, tx); err != nil {
				return err
			}
		}
		if err := r.store.WithTx(ctx, func(dbTx *sqlx.Tx) error {
			return db.AddIndexerRange(ctx, dbTx, r.chain, string(r.eventType), synced, time.Now().UTC())
		}); err != nil {
			return err
		}

		if len(events) < eventPageLimit {
			return nil
		}
		start = synced.Upper
	}
}
