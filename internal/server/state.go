// Package server exposes the HTTP surface and the client streaming sessions.
package server

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptodash/gateway/config"
	"github.com/cryptodash/gateway/internal/cache"
	"github.com/cryptodash/gateway/internal/catalog"
	"github.com/cryptodash/gateway/internal/hub"
	"github.com/cryptodash/gateway/internal/model"
	"github.com/cryptodash/gateway/internal/venue"
)

// State bundles the shared handles every request handler needs.
type State struct {
	Config   config.Settings
	Log      zerolog.Logger
	Hub      *hub.Hub
	Cache    *cache.Cache
	Registry *venue.Registry
	Catalog  *catalog.Service
	Started  time.Time
}

// ExchangeInfos lists every registered venue with its live status and
// configured endpoints.
func (s *State) ExchangeInfos() []model.ExchangeInfo {
	adapters := s.Registry.Adapters()
	infos := make([]model.ExchangeInfo, 0, len(adapters))
	for _, adapter := range adapters {
		id := adapter.ID()
		status := model.ExchangeOffline
		if adapter.IsConnected() {
			status = model.ExchangeOnline
		}

		info := model.ExchangeInfo{
			ID:     id,
			Name:   displayName(id),
			Status: status,
		}
		if settings, ok := s.Config.Venue(string(id)); ok {
			info.WsURL = settings.WebsocketURLs[config.MarketSpot]
			info.RestURL = settings.RESTURLs[config.MarketSpot]
		}
		infos = append(infos, info)
	}
	return infos
}

func displayName(id model.VenueID) string {
	if id == "" {
		return ""
	}
	name := string(id)
	return strings.ToUpper(name[:1]) + name[1:]
}
