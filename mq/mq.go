// Package mq handles the node's RabbitMQ topology: pending transactions
// broadcast by chain readers, pending messages entering the pipeline and
// processing results published for API subscribers.
package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/types"
)

var log = logrus.WithField("prefix", "mq")

const (
	// PendingTxExchange carries chain sync events, routed as
	// <chain>.<publisher>.<tx hash>.
	PendingTxExchange = "aleph.pending_tx"
	// MessageProcessingExchange feeds the pending message queue.
	MessageProcessingExchange = "aleph.message_processing"
	// MessageResultExchange carries processing outcomes, routed as
	// <status>.<item hash>.<sender>.
	MessageResultExchange = "aleph.message_result"

	// PendingMessagesQueue is the work queue of the message pipeline.
	PendingMessagesQueue = "aleph.pending_messages"
)

// Client owns one AMQP connection and channel. Channel operations are
// serialized; AMQP channels are not safe for concurrent publishes.
type Client struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewClient dials the broker, retrying with exponential backoff while it
// comes up, and declares the node topology.
func NewClient(ctx context.Context, url string) (*Client, error) {
	var conn *amqp.Connection
	dial := func() error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			log.WithError(err).Warn("Could not reach message broker, retrying")
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, errors.Wrap(err, "could not connect to message broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "could not open channel")
	}
	client := &Client{conn: conn, ch: ch}
	if err := client.declareTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

func (c *Client) declareTopology() error {
	for _, exchange := range []string{PendingTxExchange, MessageProcessingExchange, MessageResultExchange} {
		if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "could not declare exchange %s", exchange)
		}
	}
	if _, err := c.ch.QueueDeclare(PendingMessagesQueue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "could not declare pending messages queue")
	}
	if err := c.ch.QueueBind(PendingMessagesQueue, "#", MessageProcessingExchange, false, nil); err != nil {
		return errors.Wrap(err, "could not bind pending messages queue")
	}
	return nil
}

// Close tears down the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Close(); err != nil {
		log.WithError(err).Warn("Could not close channel")
	}
	return c.conn.Close()
}

// Status reports broker connectivity.
func (c *Client) Status() error {
	if c.conn.IsClosed() {
		return errors.New("message broker connection closed")
	}
	return nil
}

func (c *Client) publish(ctx context.Context, exchange, key string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	return errors.Wrapf(err, "could not publish to %s", exchange)
}

// PublishPendingTx announces a confirmed chain transaction to the tx
// processors.
func (c *Client) PublishPendingTx(ctx context.Context, chain types.Chain, publisher, txHash string, body []byte) error {
	key := fmt.Sprintf("%s.%s.%s", chain, publisher, txHash)
	return c.publish(ctx, PendingTxExchange, key, body)
}

// PublishPendingMessage wakes the pipeline up for a freshly admitted
// message.
func (c *Client) PublishPendingMessage(ctx context.Context, itemHash string, body []byte) error {
	return c.publish(ctx, MessageProcessingExchange, itemHash, body)
}

// PublishMessageResult reports a processing outcome so API subscribers
// can match on status, hash or sender.
func (c *Client) PublishMessageResult(ctx context.Context, status types.MessageStatus, itemHash, sender string, body []byte) error {
	key := fmt.Sprintf("%s.%s.%s", status, itemHash, sender)
	return c.publish(ctx, MessageResultExchange, key, body)
}

// WillRetryResult is the routing prefix of transient failure
// notifications on the result exchange.
const WillRetryResult = "will-retry"

// PublishRetryResult reports a transiently failed message that was
// rescheduled, routed as "will-retry.<item_hash>.<sender>".
func (c *Client) PublishRetryResult(ctx context.Context, itemHash, sender string, body []byte) error {
	key := fmt.Sprintf("%s.%s.%s", WillRetryResult, itemHash, sender)
	return c.publish(ctx, MessageResultExchange, key, body)
}

// Consume starts delivering from a queue with a unique consumer tag.
// Deliveries must be acked or nacked by the caller.
func (c *Client) Consume(queue string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deliveries, err := c.ch.Consume(queue, uuid.NewString(), false, false, false, false, nil)
	return deliveries, errors.Wrapf(err, "could not consume from %s", queue)
}
