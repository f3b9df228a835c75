// Package kv is a typed key/value store over a shared storage medium, with change
// propagation between stores that share the medium.
//
// A Store pairs a Medium, which holds serialized values, with a Channel, which
// carries Change notifications between contexts. Several stores, possibly in
// different processes, may share one medium; each stamps its notifications with a
// unique origin so that it can ignore its own echoes.
//
// Values are JSON encoded. Reads never fail: a missing or undecodable value yields
// the caller's default.
//
//	store := kv.NewStore(kv.NewMemoryMedium(), kv.NewBus(), kv.StoreOptions{})
//	theme := kv.Bind(store, "ui.theme", "dark")
//	defer theme.Close()
//	theme.OnChange(func(v string) { fmt.Println("theme is now", v) })
//	_ = theme.Set("light")
//
// The medium is last-writer-wins per key. Stores converge once every notification
// has been delivered.
package kv
