// Package transport defines the delivery contract between the dispatcher
// and the chat platforms, plus the registry mapping transport types to
// their adapters.
package transport

import (
	"context"
	"fmt"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

// Transport delivers one rendered payload to one destination. The payload
// is opaque to the core; rendering happens outside it.
type Transport interface {
	// Send returns the platform's message identifier on success.
	Send(ctx context.Context, dest model.Destination, payload []byte) (externalMessageID string, err error)
}

// Registry maps transport types to their adapters.
type Registry struct {
	byType map[model.TransportType]Transport
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[model.TransportType]Transport)}
}

// Register binds an adapter to one or more transport types.
func (r *Registry) Register(t Transport, types ...model.TransportType) {
	for _, tt := range types {
		r.byType[tt] = t
	}
}

// For returns the adapter for a transport type.
func (r *Registry) For(tt model.TransportType) (Transport, error) {
	t, ok := r.byType[tt]
	if !ok {
		return nil, fmt.Errorf("no transport registered for %q", tt)
	}
	return t, nil
}
