// Package app is the composition root for the asyncstate CLI.
//
// New resolves configuration and opens everything the commands share:
//
//	config.Load ──> logging.New ──> metrics.New
//	     │
//	     ├──> medium   memory | filemedium.File | sqlitemedium.DB
//	     ├──> channel  kv.Bus | filemedium.Watcher | natsbus.Bus
//	     ├──> kv.Store
//	     └──> ipgeo.Client (geo.Provider)
//
// The actions build short-lived consumers on top:
//
//   - Locate: a geo.Cache answering from the store or the provider
//   - Dashboard: the ui program over a geo.Cache, with the theme bound to ui.theme
//   - KVGet, KVSet, KVRemove: raw JSON access to the store
//   - KVWatch: a kv.Entry feeding a callback, optionally through a coalesce.Debouncer
//
// Setup failures are returned wrapped; Close releases channels before media.
// With Options.MetricsAddr set, the Prometheus registry holding every collector
// is served on /metrics.
package app
