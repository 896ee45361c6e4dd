package pipeline

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/handlers"
	"github.com/aleph-im/aleph-node/mq"
	"github.com/aleph-im/aleph-node/types"
)

const defaultProcessConcurrency = 5

// Processor applies fetched messages to the projections through the
// per-type handlers, one database transaction per message. Duplicates
// of a live message become confirmations.
type Processor struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    *db.Store
	mq       *mq.Client
	registry *handlers.Registry
	retry    RetryPolicy
	pool     *pool
	runErr   error
}

// NewProcessor builds the processing stage. Senders are serialized: two
// messages of one account never process in parallel.
func NewProcessor(ctx context.Context, store *db.Store, client *mq.Client,
	registry *handlers.Registry, retry RetryPolicy, concurrency int) *Processor {
	ctx, cancel := context.WithCancel(ctx)
	if concurrency <= 0 {
		concurrency = defaultProcessConcurrency
	}
	p := &Processor{
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		mq:       client,
		registry: registry,
		retry:    retry,
	}
	p.pool = newPool(store, true, concurrency, true, p.processOne)
	return p
}

// Start runs the polling loop until the context is canceled.
func (p *Processor) Start() {
	go p.pool.run(p.ctx, func(err error) {
		p.runErr = err
		if err != nil {
			log.WithError(err).Error("Could not poll fetched messages")
		}
	})
}

// Stop cancels the polling loop.
func (p *Processor) Stop() error {
	p.cancel()
	return nil
}

// Status reports the last poll error, if any.
func (p *Processor) Status() error {
	return p.runErr
}

func (p *Processor) processOne(ctx context.Context, pending *types.PendingMessage) {
	var result outcome
	err := p.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		result, err = p.applyMessage(ctx, tx, pending)
		return err
	})
	if err != nil {
		result = handleFailure(ctx, p.store, mqResults(p.mq), p.retry, pending, err)
	}

	switch result {
	case outcomeProcessed, outcomeConfirmed:
		messagesProcessed.WithLabelValues(string(result)).Inc()
		publishResult(ctx, mqResults(p.mq), types.MessageStatusProcessed, pending)
	case outcomeRejected:
		messagesProcessed.WithLabelValues(string(result)).Inc()
	}
}

// applyMessage runs one pending message to completion inside tx. Any
// returned error rolls the transaction back and goes through the retry
// policy.
func (p *Processor) applyMessage(ctx context.Context, tx *sqlx.Tx, pending *types.PendingMessage) (outcome, error) {
	// Another worker, or a FORGET, may have consumed the row since the
	// batch query.
	current, err := db.GetPendingMessage(ctx, tx, pending.ID)
	if err != nil {
		return "", err
	}
	if current == nil {
		return outcomeDropped, nil
	}

	existing, err := db.GetMessage(ctx, tx, pending.ItemHash)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if pending.Signature == nil || *pending.Signature == existing.Signature {
			return p.confirm(ctx, tx, pending)
		}
		return "", errors.Wrap(types.ErrInvalidSignature, "duplicate hash with a different signature")
	}

	forgotten, err := db.GetForgottenMessage(ctx, tx, pending.ItemHash)
	if err != nil {
		return "", err
	}
	if forgotten != nil {
		if pending.Signature == nil || *pending.Signature == forgotten.Signature {
			return p.confirm(ctx, tx, pending)
		}
		return "", errors.Wrap(types.ErrForgottenDuplicate, pending.ItemHash)
	}

	message := messageFromPending(pending)
	handler, err := p.registry.Get(message.Type)
	if err != nil {
		return "", err
	}
	// The message row goes in before the handler phases: handlers write
	// rows keyed on item_hash (account costs) whose foreign keys need
	// it. A failed phase rolls the row back with everything else.
	if err := db.UpsertMessage(ctx, tx, message); err != nil {
		return "", err
	}
	if err := handler.FetchRelatedContent(ctx, tx, message); err != nil {
		return "", err
	}
	if err := handler.CheckDependencies(ctx, tx, message); err != nil {
		return "", err
	}
	if err := handler.CheckPermissions(ctx, tx, message); err != nil {
		return "", err
	}
	if err := handler.Process(ctx, tx, message); err != nil {
		return "", err
	}

	if message.ItemType != types.ItemTypeInline {
		if err := pinMessageContent(ctx, tx, message); err != nil {
			return "", err
		}
	}
	if pending.TxHash != nil {
		if err := db.UpsertMessageConfirmation(ctx, tx, pending.ItemHash, *pending.TxHash); err != nil {
			return "", err
		}
	}
	if err := db.UpsertMessageStatus(ctx, tx, pending.ItemHash, types.MessageStatusProcessed, pending.ReceptionTime); err != nil {
		return "", err
	}
	if err := db.DeletePendingMessage(ctx, tx, pending.ID); err != nil {
		return "", err
	}
	return outcomeProcessed, nil
}

// confirm records a duplicate as a confirmation and consumes the
// pending row. The projections are untouched.
func (p *Processor) confirm(ctx context.Context, tx *sqlx.Tx, pending *types.PendingMessage) (outcome, error) {
	if pending.TxHash != nil {
		if err := db.UpsertMessageConfirmation(ctx, tx, pending.ItemHash, *pending.TxHash); err != nil {
			return "", err
		}
	}
	if err := db.DeletePendingMessage(ctx, tx, pending.ID); err != nil {
		return "", err
	}
	return outcomeConfirmed, nil
}

// pinMessageContent catalogs a non-inline message body so the garbage
// collector keeps it while the message lives.
func pinMessageContent(ctx context.Context, q db.Querier, message *types.Message) error {
	file := &types.StoredFile{Hash: message.ItemHash, Size: message.Size, Type: types.FileTypeFile}
	if err := db.UpsertStoredFile(ctx, q, file); err != nil {
		return err
	}
	itemHash := message.ItemHash
	return db.InsertFilePin(ctx, q, &types.FilePin{
		FileHash: message.ItemHash,
		Created:  message.Time,
		Type:     types.FilePinTypeContent,
		ItemHash: &itemHash,
	})
}
