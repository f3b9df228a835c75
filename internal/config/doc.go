// Package config loads asyncstate configuration.
//
// # Resolution
//
// Load layers three sources, later ones winning:
//
//  1. Built-in defaults (Default)
//  2. The TOML file at the given path, or ~/.config/asyncstate/config.toml
//  3. ASYNCSTATE_* environment variables
//
// A missing file is not an error. Environment variables split the section from
// the field at the first underscore, so ASYNCSTATE_GEO_CACHE_DURATION sets
// geo.cache_duration and ASYNCSTATE_STORE_NATS_URL sets store.nats_url.
//
// # Example
//
//	[log]
//	level = "debug"
//	format = "json"
//
//	[store]
//	medium = "file"          # memory | file | sqlite
//	path = "~/.local/share/asyncstate/store.toml"
//	channel = "file"         # local | file | nats
//	nats_url = "nats://127.0.0.1:4222"
//
//	[geo]
//	endpoint = "https://ipapi.co/json/"
//	cache_duration = "10m"
//	timeout = "10s"
//	poll_interval = "1m"
//
//	[retry]
//	count = 2
//	delay = "500ms"
//
// Durations use Go syntax. Paths may start with ~. Unknown media or channels are
// rejected, as is the file channel with a medium other than file.
package config
