package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/async"
	"github.com/aleph-im/aleph-node/chains"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

const (
	defaultTxConcurrency = 200
	txPollPeriod         = 10 * time.Second
	txBatchLimit         = 500
)

// TxProcessor materializes the messages carried by confirmed chain
// transactions into pending messages, preserving intra-tx order with
// millisecond time nudges.
type TxProcessor struct {
	ctx         context.Context
	cancel      context.CancelFunc
	store       *db.Store
	data        *chains.DataService
	concurrency int
	runErr      error
}

// NewTxProcessor builds the tx stage.
func NewTxProcessor(ctx context.Context, store *db.Store, data *chains.DataService, concurrency int) *TxProcessor {
	ctx, cancel := context.WithCancel(ctx)
	if concurrency <= 0 {
		concurrency = defaultTxConcurrency
	}
	return &TxProcessor{
		ctx:         ctx,
		cancel:      cancel,
		store:       store,
		data:        data,
		concurrency: concurrency,
	}
}

// Start polls the pending tx table until the context is canceled.
func (p *TxProcessor) Start() {
	async.RunEveryNow(p.ctx, txPollPeriod, func() {
		if err := p.ProcessBatch(p.ctx); err != nil {
			p.runErr = err
			log.WithError(err).Error("Could not process pending txs")
		} else {
			p.runErr = nil
		}
	})
}

// Stop cancels the polling loop.
func (p *TxProcessor) Stop() error {
	p.cancel()
	return nil
}

// Status reports the last batch error, if any.
func (p *TxProcessor) Status() error {
	return p.runErr
}

// ProcessBatch handles one batch of pending txs with bounded
// concurrency. Individual tx failures are retried on the next pass.
func (p *TxProcessor) ProcessBatch(ctx context.Context) error {
	txs, err := db.GetPendingTxs(ctx, p.store.DB(), txBatchLimit)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, chainTx := range txs {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(chainTx *types.ChainTx) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := p.processTx(ctx, chainTx); err != nil {
				log.WithError(err).WithField("tx_hash", chainTx.Hash).
					Warn("Could not process pending tx")
			}
		}(chainTx)
	}
	wg.Wait()
	return nil
}

// processTx decodes one transaction and inserts its messages as pending
// rows, all in one transaction with the pending-tx deletion.
func (p *TxProcessor) processTx(ctx context.Context, chainTx *types.ChainTx) error {
	return p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		raws, err := p.data.TxMessages(ctx, tx, chainTx)
		if err != nil {
			if errors.Is(err, types.ErrInvalidContent) {
				// A malformed tx never becomes decodable: drop it.
				log.WithError(err).WithField("tx_hash", chainTx.Hash).
					Warn("Dropping undecodable chain tx")
				return db.DeletePendingTx(ctx, tx, chainTx.Hash)
			}
			return err
		}

		now := time.Now().UTC()
		for i, raw := range raws {
			var wire types.MessageWire
			if err := json.Unmarshal(raw, &wire); err != nil {
				log.WithError(err).WithField("tx_hash", chainTx.Hash).
					Warn("Skipping malformed chain message")
				continue
			}
			wire.Time = types.UnixTime(nudgedTime(chainTx.Datetime, i))
			pending, err := types.ParsePendingMessage(&wire, now, false, &chainTx.Hash)
			if err != nil {
				log.WithError(err).WithField("tx_hash", chainTx.Hash).
					Warn("Skipping invalid chain message")
				continue
			}
			status, err := db.GetMessageStatus(ctx, tx, pending.ItemHash)
			if err != nil {
				return err
			}
			if status == nil {
				if err := db.UpsertMessageStatus(ctx, tx, pending.ItemHash, types.MessageStatusPending, now); err != nil {
					return err
				}
			}
			if err := db.InsertPendingMessage(ctx, tx, pending); err != nil {
				return err
			}
		}
		txsProcessed.Inc()
		return db.DeletePendingTx(ctx, tx, chainTx.Hash)
	})
}

// nudgedTime spaces the messages of one tx a millisecond apart so they
// sort in archive order.
func nudgedTime(base time.Time, index int) time.Time {
	return base.Add(time.Duration(index) * time.Millisecond)
}
