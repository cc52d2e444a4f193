package chainsync

import (
	"context"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/spacetime-network/chronos/pkg/metrics"
)

var peerPenalties = metrics.NewInt64Counter("chainsync/peer_penalties", "Number of penalties handed to peers serving invalid chains")

// PeerTracker scores peers. Every invalid response costs a peer one point;
// a peer reaching the threshold is dropped and its claims are ignored.
type PeerTracker struct {
	lk        sync.Mutex
	threshold int
	penalties map[peer.ID]int
	dropped   map[peer.ID]struct{}
}

// NewPeerTracker drops peers after threshold penalties.
func NewPeerTracker(threshold int) *PeerTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &PeerTracker{
		threshold: threshold,
		penalties: make(map[peer.ID]int),
		dropped:   make(map[peer.ID]struct{}),
	}
}

// Penalize records a penalty for p and reports whether p is now dropped.
func (pt *PeerTracker) Penalize(ctx context.Context, p peer.ID, reason error) bool {
	pt.lk.Lock()
	defer pt.lk.Unlock()

	pt.penalties[p]++
	peerPenalties.Inc(ctx, 1)
	n := pt.penalties[p]
	log.Warnw("penalized peer", "peer", p, "penalties", n, "reason", reason)
	if n >= pt.threshold {
		if _, ok := pt.dropped[p]; !ok {
			log.Warnf("dropping peer %s after %d penalties", p, n)
		}
		pt.dropped[p] = struct{}{}
		return true
	}
	return false
}

// Penalties returns the penalties recorded for p.
func (pt *PeerTracker) Penalties(p peer.ID) int {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	return pt.penalties[p]
}

// IsDropped reports whether p has been dropped.
func (pt *PeerTracker) IsDropped(p peer.ID) bool {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	_, ok := pt.dropped[p]
	return ok
}

// Dropped lists the dropped peers.
func (pt *PeerTracker) Dropped() []peer.ID {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	out := make([]peer.ID, 0, len(pt.dropped))
	for p := range pt.dropped {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
