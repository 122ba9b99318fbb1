package ring

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// A Position is a point on the continuum: an unsigned 128-bit integer.
// Positions are ordered lexicographically on (Hi, Lo).
type Position struct {
	Hi, Lo uint64
}

// Less reports whether p sorts before o.
func (p Position) Less(o Position) bool {
	if p.Hi != o.Hi {
		return p.Hi < o.Hi
	}
	return p.Lo < o.Lo
}

// String returns p as a 32-digit hexadecimal number.
func (p Position) String() string {
	return fmt.Sprintf("%016x%016x", p.Hi, p.Lo)
}

// A Hash128 maps a byte string to a Position. The same Hash128 must be used
// for placing virtual nodes and for hashing keys, otherwise keys will not
// land on the arcs the virtual nodes carve out.
type Hash128 func(b []byte) Position

// MD5 hashes b with crypto/md5, reading the digest as a big-endian 128-bit
// integer. It is the default Hash128 and matches the placement produced by
// libmemcached-style clients.
func MD5(b []byte) Position {
	sum := md5.Sum(b)
	return Position{
		Hi: binary.BigEndian.Uint64(sum[0:8]),
		Lo: binary.BigEndian.Uint64(sum[8:16]),
	}
}

// XXH3 hashes b with the 128-bit variant of XXH3. It occupies the same
// position space as MD5 but is considerably faster; rings built with XXH3
// are not compatible with rings built with MD5.
func XXH3(b []byte) Position {
	u := xxh3.Hash128(b)
	return Position{Hi: u.Hi, Lo: u.Lo}
}
