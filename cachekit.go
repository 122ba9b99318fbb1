// Package cachekit is the client-side routing core for a distributed cache.
// It deterministically maps a key to the cache server that owns it and to a
// pooled connection for that server. There are two main concepts:
//
// 1. A ring.Ring places every server at many positions on a consistent-hash
// continuum; the owner of a key is the server at the next position on the
// ring, so changing the server set only remaps the keys on the affected
// arcs.
//
// 2. A connpool.Registry keeps a fixed set of established connections per
// server and hands them out one exclusive holder at a time.
//
// A Router composes the two: Resolve looks up the owning endpoint on the
// ring and checks a connection out of that endpoint's pool. The cache wire
// protocol itself is not part of this module; it is supplied as a Transport.
package cachekit
