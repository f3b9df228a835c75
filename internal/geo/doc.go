// Package geo caches device positions from a location provider.
//
// Cache wraps a Provider with a TTL cache persisted through a kv.Store, so a
// recent fix survives restarts and is shared by every process using the same
// medium. A fresh cached entry answers GetCurrentPosition without touching the
// provider; an expired one is purged the first time it is read.
//
// One-shot lookups run through an asyncop.Controller: when lookups overlap, the
// most recently issued one decides the state. Failures are recorded in State.Err
// and never clear coordinates that were already known.
package geo
