package memcachebin

import (
	"cmp"
	"slices"
	"sort"
	"strconv"

	"github.com/pior/memcachebin/internal"
)

// DefaultVirtualNodes is the number of ring points per server.
const DefaultVirtualNodes = 160

// Distribution assigns key positions to servers.
type Distribution interface {
	// Place builds the assignment for one topology snapshot.
	Place(addrs []string, hasher Hasher) Placement
}

// Placement is an immutable key to node assignment.
type Placement interface {
	// Pick returns the index of the node owning hash, considering only nodes
	// for which live returns true. It returns -1 when no node is live.
	Pick(hash uint64, live func(node int) bool) int
}

// Ring is consistent hashing with vnodes points per server. Adding a server
// to N moves about 1/(N+1) of the keys; removing one moves only its keys.
// Keys of an unhealthy server go to the next live point on the ring.
func Ring(vnodes int) Distribution {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	return ringDistribution{vnodes: vnodes}
}

// Modulo assigns hash modulo the number of live servers. Any change in the
// live set remaps most keys.
func Modulo() Distribution {
	return moduloDistribution{}
}

// Jump assigns with jump consistent hashing over the live servers. It needs
// no memory but only keeps keys stable when servers are added or removed at
// the end of the list.
func Jump() Distribution {
	return jumpDistribution{}
}

type ringPoint struct {
	hash uint64
	node int
}

type ringDistribution struct {
	vnodes int
}

func (d ringDistribution) Place(addrs []string, hasher Hasher) Placement {
	points := make([]ringPoint, 0, len(addrs)*d.vnodes)
	for i, addr := range addrs {
		for v := range d.vnodes {
			points = append(points, ringPoint{hash: hasher.Hash(addr + "-" + strconv.Itoa(v)), node: i})
		}
	}

	slices.SortFunc(points, func(a, b ringPoint) int {
		if c := cmp.Compare(a.hash, b.hash); c != 0 {
			return c
		}
		return cmp.Compare(addrs[a.node], addrs[b.node])
	})

	return &ring{points: points}
}

type ring struct {
	points []ringPoint
}

func (r *ring) Pick(hash uint64, live func(int) bool) int {
	n := len(r.points)
	start := sort.Search(n, func(i int) bool { return r.points[i].hash >= hash })

	for k := range n {
		p := r.points[(start+k)%n]
		if live(p.node) {
			return p.node
		}
	}
	return -1
}

type moduloDistribution struct{}

func (moduloDistribution) Place(addrs []string, _ Hasher) Placement {
	return &liveSet{size: len(addrs), pick: func(hash uint64, n int) int {
		return int(hash % uint64(n))
	}}
}

type jumpDistribution struct{}

func (jumpDistribution) Place(addrs []string, _ Hasher) Placement {
	return &liveSet{size: len(addrs), pick: internal.JumpHash}
}

// liveSet applies pick over the live nodes only.
type liveSet struct {
	size int
	pick func(hash uint64, n int) int
}

func (s *liveSet) Pick(hash uint64, live func(int) bool) int {
	count := 0
	for i := range s.size {
		if live(i) {
			count++
		}
	}
	if count == 0 {
		return -1
	}

	want := s.pick(hash, count)
	for i := range s.size {
		if !live(i) {
			continue
		}
		if want == 0 {
			return i
		}
		want--
	}
	return -1
}
