package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aleph-im/aleph-node/storage"
	"github.com/aleph-im/aleph-node/types"
)

// Listener feeds messages gossiped on the IPFS pubsub sync topic into
// the admission stage. Admission failures are expected here: peers relay
// unverified traffic.
type Listener struct {
	ctx       context.Context
	cancel    context.CancelFunc
	ipfs      *storage.IpfsClient
	topic     string
	reconnect time.Duration
	publisher *Publisher
	runErr    error
}

// NewListener builds the pubsub listener for the given topic.
func NewListener(ctx context.Context, ipfs *storage.IpfsClient, topic string,
	reconnect time.Duration, publisher *Publisher) *Listener {
	ctx, cancel := context.WithCancel(ctx)
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &Listener{
		ctx:       ctx,
		cancel:    cancel,
		ipfs:      ipfs,
		topic:     topic,
		reconnect: reconnect,
		publisher: publisher,
	}
}

// Start subscribes and keeps resubscribing until the context closes.
func (l *Listener) Start() {
	go l.run()
}

// Stop cancels the subscription loop.
func (l *Listener) Stop() error {
	l.cancel()
	return nil
}

// Status reports the last subscription error, if any.
func (l *Listener) Status() error {
	return l.runErr
}

func (l *Listener) run() {
	for l.ctx.Err() == nil {
		stream, err := l.ipfs.Subscribe(l.topic)
		if err != nil {
			l.runErr = err
			log.WithError(err).WithField("topic", l.topic).
				Warn("Could not subscribe to sync topic, retrying")
			l.sleep()
			continue
		}
		l.runErr = nil
		l.consume(stream)
		_ = stream.Cancel()
	}
}

// consume reads the stream until it breaks or the context closes.
func (l *Listener) consume(stream *storage.TopicStream) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-l.ctx.Done():
			_ = stream.Cancel()
		case <-done:
		}
	}()

	for {
		payload, err := stream.Next()
		if err != nil {
			if l.ctx.Err() == nil {
				l.runErr = err
				log.WithError(err).WithField("topic", l.topic).
					Warn("Sync topic stream broke, resubscribing")
				l.sleep()
			}
			return
		}
		l.admit(payload)
	}
}

func (l *Listener) admit(payload []byte) {
	var wire types.MessageWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		log.WithError(err).Debug("Discarding non-message pubsub payload")
		return
	}
	if _, err := l.publisher.Admit(l.ctx, &wire); err != nil {
		log.WithError(err).WithField("item_hash", wire.ItemHash).
			Debug("Gossiped message failed admission")
	}
}

func (l *Listener) sleep() {
	select {
	case <-l.ctx.Done():
	case <-time.After(l.reconnect):
	}
}
