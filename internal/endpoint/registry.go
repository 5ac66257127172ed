package endpoint

import (
	"log/slog"
	"time"

	"github.com/sebas/callbridge/internal/store"
)

// Registry maps call identifiers to live endpoints for one side.
// Endpoints remove themselves on close and are closed by the idle sweep.
type Registry struct {
	side  Side
	items *store.IdleStore[string, *Endpoint]
}

// NewRegistry creates a registry. idle bounds how long an endpoint may go
// without signaling before it is closed; zero disables the sweep.
func NewRegistry(side Side, idle time.Duration) *Registry {
	r := &Registry{
		side:  side,
		items: store.NewIdleStore[string, *Endpoint](idle, store.SweepInterval(idle)),
	}
	r.items.SetOnEvict(func(callID string, ep *Endpoint) {
		slog.Info("[Registry] Closing idle endpoint", "side", side, "call_id", callID, "state", ep.State())
		ep.Close()
	})
	return r
}

// GetOrCreate returns the endpoint for callID, creating it with create when
// absent. created is true for exactly one caller per call identifier.
func (r *Registry) GetOrCreate(callID string, create func() *Endpoint) (ep *Endpoint, created bool) {
	return r.items.LoadOrCreate(callID, func() *Endpoint {
		ep := create()
		ep.onActivity = func() { r.items.Touch(callID) }
		ep.AddListener(CloseFunc(func(ep *Endpoint) {
			if r.items.CompareAndDelete(callID, ep) {
				slog.Debug("[Registry] Endpoint removed", "side", r.side, "call_id", callID)
			}
		}))
		return ep
	})
}

// Get returns the endpoint for callID.
func (r *Registry) Get(callID string) (*Endpoint, bool) {
	return r.items.Get(callID)
}

// Remove unregisters and returns the endpoint for callID without closing it.
func (r *Registry) Remove(callID string) (*Endpoint, bool) {
	return r.items.Delete(callID)
}

// Detach unregisters ep only while it is still the endpoint for its call id.
func (r *Registry) Detach(ep *Endpoint) bool {
	return r.items.CompareAndDelete(ep.CallID(), ep)
}

// Len returns the number of live endpoints.
func (r *Registry) Len() int {
	return r.items.Len()
}

// List returns a snapshot of live endpoints.
func (r *Registry) List() []*Endpoint {
	return r.items.Values()
}

// Sweep closes idle endpoints now.
func (r *Registry) Sweep() int {
	return r.items.Sweep()
}

// Close stops the idle sweep and closes every live endpoint.
func (r *Registry) Close() {
	r.items.Close()
	for _, ep := range r.items.Values() {
		ep.Close()
	}
}
