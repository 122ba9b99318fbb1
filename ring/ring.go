// Package ring implements the consistent-hash continuum used to route cache
// keys to server endpoints. A Ring is built once from a static server list
// and is immutable afterwards; concurrent lookups need no locking. Changing
// the server set means building a new Ring and swapping the reference.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/cachekit/cachekit/endpoint"
	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring positions a server occupies when
// its config doesn't say otherwise. Low values cause poor key distribution.
const DefaultVirtualNodes = 100

// ErrNoServers is returned when building a Ring from an empty server list.
var ErrNoServers = errors.New("empty server list")

// Server describes one cache server to place on the ring.
type Server struct {
	// Endpoint of the server. Required.
	Endpoint endpoint.Endpoint

	// VirtualNodes is the number of positions the server occupies on the
	// ring. Defaults to DefaultVirtualNodes. Independent of how many
	// connections a client keeps open to the server.
	VirtualNodes int
}

type entry struct {
	pos Position
	ep  endpoint.Endpoint
}

// A Ring maps keys to the server endpoints that own them. Rings are
// immutable and goroutine safe.
type Ring struct {
	hash      Hash128
	entries   []entry
	endpoints []endpoint.Endpoint
}

// New builds a Ring from servers. hash may be nil, in which case MD5 is
// used. Each server is placed at VirtualNodes positions derived from its
// address; if two positions collide exactly, the later server in the list
// keeps the position.
func New(servers []Server, hash Hash128) (*Ring, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	if hash == nil {
		hash = MD5
	}

	var entries []entry
	seen := make(map[endpoint.Endpoint]struct{}, len(servers))
	endpoints := make([]endpoint.Endpoint, 0, len(servers))

	for _, srv := range servers {
		vnodes := srv.VirtualNodes
		if vnodes <= 0 {
			vnodes = DefaultVirtualNodes
		}
		if _, ok := seen[srv.Endpoint]; ok {
			return nil, fmt.Errorf("duplicate server %s", srv.Endpoint)
		}
		seen[srv.Endpoint] = struct{}{}
		endpoints = append(endpoints, srv.Endpoint)

		addr := srv.Endpoint.Addr()
		for i := 0; i < vnodes; i++ {
			pos := hash([]byte(addr + "-" + strconv.Itoa(i)))
			entries = append(entries, entry{pos: pos, ep: srv.Endpoint})
		}
	}

	// Stable sort keeps insertion order within equal positions, so the last
	// entry of an equal run is the latest-inserted one.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].pos.Less(entries[j].pos)
	})
	entries = dedupe(entries)

	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].Addr() < endpoints[j].Addr()
	})

	return &Ring{hash: hash, entries: entries, endpoints: endpoints}, nil
}

// dedupe collapses runs of equal positions down to their last entry.
// entries must be sorted.
func dedupe(entries []entry) []entry {
	out := entries[:0]
	for i, e := range entries {
		if i+1 < len(entries) && entries[i+1].pos == e.pos {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Locate returns the endpoint that owns key: the owner of the first ring
// position at or after hash(key), wrapping around past the largest
// position. Locate is deterministic and runs in O(log R) for R ring
// entries.
func (r *Ring) Locate(key []byte) endpoint.Endpoint {
	h := r.hash(key)
	return r.entries[r.search(h)].ep
}

// LocateString is Locate for a string key.
func (r *Ring) LocateString(key string) endpoint.Endpoint {
	return r.Locate([]byte(key))
}

func (r *Ring) search(h Position) int {
	idx := sort.Search(len(r.entries), func(i int) bool {
		return !r.entries[i].pos.Less(h)
	})
	if idx == len(r.entries) {
		// Wrap around if we hit the end of the list.
		idx = 0
	}
	return idx
}

// Owners returns the n distinct endpoints that own key, walking clockwise
// from the key's position. The first owner is the endpoint Locate returns.
// Owners returns an error if the ring has fewer than n distinct endpoints.
func (r *Ring) Owners(key []byte, n int) ([]endpoint.Endpoint, error) {
	if n > len(r.endpoints) {
		return nil, fmt.Errorf("not enough endpoints: need at least %d, have %d", n, len(r.endpoints))
	} else if n <= 0 {
		return []endpoint.Endpoint{}, nil
	}

	var (
		idx   = r.search(r.hash(key))
		res   = make([]endpoint.Endpoint, 0, n)
		taken = make(map[endpoint.Endpoint]struct{}, n)
	)
	for len(res) < n {
		owner := r.entries[idx].ep
		if _, ok := taken[owner]; !ok {
			res = append(res, owner)
			taken[owner] = struct{}{}
		}
		idx = (idx + 1) % len(r.entries)
	}
	return res, nil
}

// Endpoints returns the distinct endpoints on the ring, sorted by address.
// The returned slice must not be modified.
func (r *Ring) Endpoints() []endpoint.Endpoint { return r.endpoints }

// Len returns the number of ring entries across all servers.
func (r *Ring) Len() int { return len(r.entries) }

// Fingerprint returns a checksum of the ring layout. Two rings built from
// the same server list with the same Hash128 have equal fingerprints;
// comparing fingerprints across processes detects configuration drift.
func (r *Ring) Fingerprint() uint64 {
	var (
		dig = xxhash.New()
		buf [16]byte
	)
	for _, e := range r.entries {
		binary.BigEndian.PutUint64(buf[0:8], e.pos.Hi)
		binary.BigEndian.PutUint64(buf[8:16], e.pos.Lo)
		_, _ = dig.Write(buf[:])
		_, _ = dig.WriteString(e.ep.Addr())
	}
	return dig.Sum64()
}
