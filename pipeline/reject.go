package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/mq"
	"github.com/aleph-im/aleph-node/types"
)

// outcome is what became of one pending message attempt.
type outcome string

const (
	outcomeProcessed outcome = "processed"
	outcomeConfirmed outcome = "confirmed"
	outcomeRejected  outcome = "rejected"
	outcomeRetried   outcome = "retried"
	outcomeDropped   outcome = "dropped"
)

// shouldRetry decides between rescheduling and terminal rejection.
func shouldRetry(perr *types.ProcessingError, retries int, policy RetryPolicy) bool {
	return perr.Retry && !policy.Exhausted(retries)
}

// resultPublisher is the slice of the MQ client the pipeline uses to
// announce processing outcomes. Nil disables notifications.
type resultPublisher interface {
	PublishMessageResult(ctx context.Context, status types.MessageStatus, itemHash, sender string, body []byte) error
	PublishRetryResult(ctx context.Context, itemHash, sender string, body []byte) error
}

// mqResults adapts a possibly-nil MQ client to resultPublisher.
func mqResults(client *mq.Client) resultPublisher {
	if client == nil {
		return nil
	}
	return client
}

// handleFailure reschedules a transiently failed pending message, or
// rejects it terminally, in its own transaction.
func handleFailure(ctx context.Context, store *db.Store, client resultPublisher, policy RetryPolicy,
	pending *types.PendingMessage, cause error) outcome {
	perr := types.ClassifyError(cause)
	if shouldRetry(perr, pending.Retries, policy) {
		next := policy.NextAttempt(pending.Retries+1, time.Now().UTC())
		err := store.WithTx(ctx, func(tx *sqlx.Tx) error {
			return db.ReschedulePendingMessage(ctx, tx, pending.ID, pending.Retries+1, next)
		})
		if err != nil {
			log.WithError(err).WithField("item_hash", pending.ItemHash).
				Error("Could not reschedule pending message")
		}
		messagesRetried.Inc()
		publishRetry(ctx, client, pending)
		return outcomeRetried
	}

	err := store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return rejectPendingMessage(ctx, tx, pending, perr, cause)
	})
	if err != nil {
		log.WithError(err).WithField("item_hash", pending.ItemHash).
			Error("Could not reject pending message")
		return outcomeRetried
	}
	publishResult(ctx, client, types.MessageStatusRejected, pending)
	return outcomeRejected
}

// rejectPendingMessage writes the rejection row, flips the status and
// consumes the pending row. A traceback is kept only for internal
// errors, where the reason alone does not identify the failure.
func rejectPendingMessage(ctx context.Context, q db.Querier, pending *types.PendingMessage,
	perr *types.ProcessingError, cause error) error {
	raw, err := json.Marshal(wireFromPending(pending))
	if err != nil {
		return errors.Wrap(err, "could not encode rejected message")
	}
	rejected := &types.RejectedMessage{
		ItemHash:  pending.ItemHash,
		Message:   raw,
		ErrorCode: perr.Code,
		Details:   perr.DetailsJSON(),
	}
	if perr.Code == types.ErrorCodeInternal && cause != nil {
		trace := cause.Error()
		rejected.Traceback = &trace
	}
	if err := db.UpsertRejectedMessage(ctx, q, rejected); err != nil {
		return err
	}
	if err := markRejected(ctx, q, pending.ItemHash, pending.ReceptionTime); err != nil {
		return err
	}
	return db.DeletePendingMessage(ctx, q, pending.ID)
}

// markRejected sets the rejected status without downgrading a hash that
// another copy of the message already got processed or forgotten.
func markRejected(ctx context.Context, q db.Querier, itemHash string, receptionTime time.Time) error {
	status, err := db.GetMessageStatus(ctx, q, itemHash)
	if err != nil {
		return err
	}
	if status == nil {
		return db.UpsertMessageStatus(ctx, q, itemHash, types.MessageStatusRejected, receptionTime)
	}
	_, err = db.SetMessageStatusWhere(ctx, q, itemHash, types.MessageStatusRejected, types.MessageStatusPending)
	return err
}

// publishResult announces a processing outcome for API subscribers. A
// failed publish only loses the push notification, never the result.
func publishResult(ctx context.Context, client resultPublisher, status types.MessageStatus, pending *types.PendingMessage) {
	if client == nil {
		return
	}
	body, err := json.Marshal(wireFromPending(pending))
	if err != nil {
		return
	}
	if err := client.PublishMessageResult(ctx, status, pending.ItemHash, pending.Sender, body); err != nil {
		log.WithError(err).WithField("item_hash", pending.ItemHash).
			Warn("Could not publish message result")
	}
}

// publishRetry announces a rescheduled message so subscribers can tell a
// pending retry from a lost message.
func publishRetry(ctx context.Context, client resultPublisher, pending *types.PendingMessage) {
	if client == nil {
		return
	}
	body, err := json.Marshal(wireFromPending(pending))
	if err != nil {
		return
	}
	if err := client.PublishRetryResult(ctx, pending.ItemHash, pending.Sender, body); err != nil {
		log.WithError(err).WithField("item_hash", pending.ItemHash).
			Warn("Could not publish retry notification")
	}
}
