// Package client is the SDK surface for instrumenting a pipeline with
// execution tracing. A Client drives a Backend through the legal call order
// (start execution, start step, record evaluations, end step, end execution);
// the helpers in this package are sugar over that protocol.
package client

import "github.com/xraylabs/xray/xray"

// Backend is the transport a Client drives. Implementations must map missing
// ids to xray.ErrNotFound and carrier failures to xray.ErrTransport so the
// session layer never has to know what carries its calls.
type Backend interface {
	xray.TraceStore

	// Health reports whether the backend is reachable.
	Health() error
}

// StoreBackend runs the client directly against an in-process TraceStore,
// with no transport in between. Useful for tests and for embedding the store
// in the instrumented process itself.
type StoreBackend struct {
	xray.TraceStore
}

// NewStoreBackend wraps a TraceStore as a Backend.
func NewStoreBackend(store xray.TraceStore) *StoreBackend {
	return &StoreBackend{TraceStore: store}
}

// Health always succeeds; an in-process store is reachable by construction.
func (b *StoreBackend) Health() error {
	return nil
}
