// Package venue defines the adapter contract and shared upstream connection
// machinery for exchange integrations.
package venue

import (
	"context"
	"sort"
	"sync"

	"github.com/cryptodash/gateway/internal/cache"
	"github.com/cryptodash/gateway/internal/hub"
	"github.com/cryptodash/gateway/internal/model"
)

// Adapter is the capability set each venue integration exposes to the
// session layer.
type Adapter interface {
	// ID names the venue.
	ID() model.VenueID
	// Start stores the shared hub and cache handles. It must not open
	// upstream connections eagerly.
	Start(ctx context.Context, h *hub.Hub, store *cache.Cache) error
	// Subscribe ensures upstream connections exist for each requested
	// market and sends the venue-specific subscribe frames.
	Subscribe(ctx context.Context, channels []model.Channel) error
	// Unsubscribe sends the venue-specific unsubscribe frames.
	Unsubscribe(ctx context.Context, channels []model.Channel) error
	// IsConnected reports whether at least one upstream connection is live.
	IsConnected() bool
	// Stop closes all upstream connections.
	Stop(ctx context.Context) error
}

// Registry looks adapters up by venue id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.VenueID]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.VenueID]Adapter)}
}

// Register adds an adapter, replacing any previous entry for the venue.
func (r *Registry) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	r.adapters[adapter.ID()] = adapter
	r.mu.Unlock()
}

// Lookup returns the adapter for the venue.
func (r *Registry) Lookup(venue model.VenueID) (Adapter, bool) {
	r.mu.RLock()
	adapter, ok := r.adapters[venue]
	r.mu.RUnlock()
	return adapter, ok
}

// Adapters returns all registered adapters ordered by venue id.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		out = append(out, adapter)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GroupByMarket buckets channels by market kind, resolving the spot default.
func GroupByMarket(channels []model.Channel) map[model.MarketType][]model.Channel {
	groups := make(map[model.MarketType][]model.Channel)
	for _, ch := range channels {
		market := ch.MarketType.OrSpot()
		ch.MarketType = market
		groups[market] = append(groups[market], ch)
	}
	return groups
}
