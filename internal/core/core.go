// Package core bundles the process-wide collaborators (clock, config,
// storage gateway, subscriber bus, fetcher factory) into one explicit
// context value handed to the Manager and every Supervisor at construction.
// There are no hidden globals: anything a component needs arrives through
// this value.
package core

import (
	"github.com/roomwatch/monitor/internal/bus"
	"github.com/roomwatch/monitor/internal/clock"
	"github.com/roomwatch/monitor/internal/config"
	"github.com/roomwatch/monitor/internal/fetcher"
	"github.com/roomwatch/monitor/internal/storage"
)

// Core is the shared dependency bundle. Bus may be nil when the Subscriber
// Bus is disabled; every consumer treats a nil bus as publish-to-nowhere.
type Core struct {
	Clock    clock.Clock
	Config   *config.Config
	Gateway  storage.Gateway
	Bus      *bus.Service
	Fetchers fetcher.Factory
}

// New assembles a Core.
func New(clk clock.Clock, cfg *config.Config, gw storage.Gateway, busSvc *bus.Service, fetchers fetcher.Factory) *Core {
	return &Core{
		Clock:    clk,
		Config:   cfg,
		Gateway:  gw,
		Bus:      busSvc,
		Fetchers: fetchers,
	}
}
