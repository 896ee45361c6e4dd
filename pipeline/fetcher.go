package pipeline

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/aleph-im/aleph-node/crypto/verifiers"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/mq"
	"github.com/aleph-im/aleph-node/storage"
	"github.com/aleph-im/aleph-node/types"
)

const defaultFetchConcurrency = 20

// Fetcher resolves pending messages: it verifies the signature,
// downloads and validates the payload, then marks the row ready for the
// processing stage.
type Fetcher struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    *db.Store
	storage  *storage.Service
	verifier *verifiers.SignatureVerifier
	mq       *mq.Client
	retry    RetryPolicy
	pool     *pool
	runErr   error
}

// NewFetcher builds the fetch stage with the given worker count.
func NewFetcher(ctx context.Context, store *db.Store, storageSvc *storage.Service,
	verifier *verifiers.SignatureVerifier, client *mq.Client, retry RetryPolicy, concurrency int) *Fetcher {
	ctx, cancel := context.WithCancel(ctx)
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	f := &Fetcher{
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		storage:  storageSvc,
		verifier: verifier,
		mq:       client,
		retry:    retry,
	}
	f.pool = newPool(store, false, concurrency, false, f.fetchOne)
	return f
}

// Start runs the polling loop until the context is canceled. When a
// broker is attached, admission wakeups cut the poll sleep short.
func (f *Fetcher) Start() {
	go f.pool.run(f.ctx, func(err error) {
		f.runErr = err
		if err != nil {
			log.WithError(err).Error("Could not poll pending messages")
		}
	})
	if f.mq != nil {
		go f.consumeWakeups()
	}
}

func (f *Fetcher) consumeWakeups() {
	deliveries, err := f.mq.Consume(mq.PendingMessagesQueue)
	if err != nil {
		log.WithError(err).Warn("Could not consume pending message wakeups, relying on polling")
		return
	}
	for {
		select {
		case <-f.ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				log.Warn("Pending message wakeup channel closed, relying on polling")
				return
			}
			if err := delivery.Ack(false); err != nil {
				log.WithError(err).Warn("Could not ack pending message wakeup")
			}
			f.pool.poke()
		}
	}
}

// Stop cancels the polling loop.
func (f *Fetcher) Stop() error {
	f.cancel()
	return nil
}

// Status reports the last poll error, if any.
func (f *Fetcher) Status() error {
	return f.runErr
}

// fetchOne verifies and resolves one message. Failures go through the
// retry policy; success hands the message to the processing stage.
func (f *Fetcher) fetchOne(ctx context.Context, pending *types.PendingMessage) {
	if pending.CheckMessage {
		if err := f.verifier.VerifySignature(ctx, pending); err != nil {
			handleFailure(ctx, f.store, mqResults(f.mq), f.retry, pending, err)
			return
		}
	}

	raw, err := f.storage.GetMessageContent(ctx, pending)
	if err != nil {
		handleFailure(ctx, f.store, mqResults(f.mq), f.retry, pending, err)
		return
	}
	if err := validateContent(pending.Type, raw); err != nil {
		handleFailure(ctx, f.store, mqResults(f.mq), f.retry, pending, err)
		return
	}

	err = f.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return db.MarkPendingMessageFetched(ctx, tx, pending.ID, raw)
	})
	if err != nil {
		log.WithError(err).WithField("item_hash", pending.ItemHash).
			Error("Could not mark pending message fetched")
		return
	}
	messagesFetched.Inc()
}
