/*
Package storage provides durable aggregate persistence for the control
plane.

BoltStore is the bbolt-backed durable layer: one bucket per aggregate, JSON
documents keyed by id (tx hash for deposits, subdomain for routes).
CachedStore wraps it with in-memory projections loaded at startup; reads are
served from memory and every mutation writes through to bbolt before it is
acknowledged, so a crash never loses an acknowledged write.

Concurrent mutations to the same aggregate id are serialized by the caller
via Lock/Unlock (a mutex keyed by id). Components must not hold one
aggregate's lock while acquiring another's.
*/
package storage
