// Package handlers implements the per-type content handlers of the
// message pipeline: POST, AGGREGATE, STORE, INSTANCE/PROGRAM and FORGET.
package handlers

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

var log = logrus.WithField("prefix", "handlers")

// Handler processes one message type. The processor calls the phases in
// order inside one database transaction; any error aborts the message.
type Handler interface {
	// FetchRelatedContent downloads side content the message points at
	// (STORE files). Runs first; its writes roll back with the rest.
	FetchRelatedContent(ctx context.Context, q db.Querier, message *types.Message) error
	// CheckDependencies verifies every row the message references exists.
	CheckDependencies(ctx context.Context, q db.Querier, message *types.Message) error
	// CheckPermissions verifies the sender may perform the operation.
	CheckPermissions(ctx context.Context, q db.Querier, message *types.Message) error
	// Process writes the message's projections.
	Process(ctx context.Context, q db.Querier, message *types.Message) error
	// Forget rewinds the projections when the message is forgotten.
	Forget(ctx context.Context, q db.Querier, message *types.Message) error
}

// noFetch and noForget are embedded by handlers without the optional
// phases.
type noFetch struct{}

func (noFetch) FetchRelatedContent(context.Context, db.Querier, *types.Message) error {
	return nil
}

// Registry maps message types to their handlers.
type Registry struct {
	handlers map[types.MessageType]Handler
}

// NewRegistry wires the five content handlers. The FORGET handler gets
// the registry itself to dispatch per-type rewinds.
func NewRegistry(post *PostHandler, aggregate *AggregateHandler, store *StoreHandler, vm *VmHandler) *Registry {
	registry := &Registry{handlers: map[types.MessageType]Handler{
		types.MessageTypePost:      post,
		types.MessageTypeAggregate: aggregate,
		types.MessageTypeStore:     store,
		types.MessageTypeInstance:  vm,
		types.MessageTypeProgram:   vm,
	}}
	registry.handlers[types.MessageTypeForget] = NewForgetHandler(registry)
	return registry
}

// Get returns the handler for a message type.
func (r *Registry) Get(messageType types.MessageType) (Handler, error) {
	handler, ok := r.handlers[messageType]
	if !ok {
		return nil, errors.Wrapf(types.ErrInvalidFormat, "no handler for message type %q", messageType)
	}
	return handler, nil
}
