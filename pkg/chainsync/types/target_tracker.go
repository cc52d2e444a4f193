package types

import (
	"container/list"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chainsync.target")

// TargetTracker orders dispatcher sync requests by claimed weight.
//
// It keeps at most one waiting target per peer and per head: a newer claim
// from a peer replaces its waiting one, and a claim for a head already
// queued is dropped.
type TargetTracker struct {
	bucketSize  int
	historySize int
	q           TargetBuckets
	history     *list.List
	lk          sync.Mutex
}

// NewTargetTracker returns a new target queue.
func NewTargetTracker(size int) *TargetTracker {
	return &TargetTracker{
		bucketSize:  size,
		historySize: 10,
		history:     list.New(),
		q:           make(TargetBuckets, 0),
	}
}

// Add adds a sync target to the queue and reports whether it was kept.
// A target for a head already queued is dropped. A waiting target from the
// same peer is replaced. Otherwise the target is appended if there is room,
// or replaces the lightest waiting target if it is heavier.
func (tq *TargetTracker) Add(t *Target) bool {
	tq.lk.Lock()
	defer tq.lk.Unlock()

	replaceIndex := -1
	for i, queued := range tq.q {
		if queued.Head == t.Head {
			return false
		}
		if queued.Source == t.Source && queued.Pending() {
			replaceIndex = i
		}
	}

	if replaceIndex < 0 {
		if len(tq.q) < tq.bucketSize {
			tq.q = append(tq.q, t)
			sort.Stable(tq.q)
			return true
		}
		// the queue is sorted heaviest first
		for i := len(tq.q) - 1; i > -1; i-- {
			if tq.q[i].Pending() {
				if !t.Weight.GreaterThan(tq.q[i].Weight) {
					return false
				}
				replaceIndex = i
				break
			}
		}
		if replaceIndex < 0 {
			return false
		}
	}

	log.Debugf("%s replaces target at %d", t, replaceIndex)
	tq.q[replaceIndex] = t
	sort.Stable(tq.q)
	return true
}

// Select returns the heaviest waiting target whose peer has no session in
// flight. The second return is false if there is none.
func (tq *TargetTracker) Select() (*Target, bool) {
	tq.lk.Lock()
	defer tq.lk.Unlock()

	busy := make(map[string]struct{})
	for _, target := range tq.q {
		if !target.Pending() {
			busy[string(target.Source)] = struct{}{}
		}
	}
	for _, target := range tq.q {
		if _, ok := busy[string(target.Source)]; ok {
			continue
		}
		if target.Pending() {
			return target, true
		}
	}
	return nil, false
}

// Remove removes a target after its session ended and records it in the
// history.
func (tq *TargetTracker) Remove(t *Target) {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	for index, target := range tq.q {
		if t == target {
			tq.q = append(tq.q[:index], tq.q[index+1:]...)
			break
		}
	}
	tq.history.PushBack(t)
	if tq.history.Len() > tq.historySize {
		tq.history.Remove(tq.history.Front())
	}
}

// History returns finished targets, oldest first.
func (tq *TargetTracker) History() []*Target {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	var targets []*Target
	for target := tq.history.Front(); target != nil; target = target.Next() {
		targets = append(targets, target.Value.(*Target))
	}
	return targets
}

// Len returns the number of targets in the queue.
func (tq *TargetTracker) Len() int {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	return tq.q.Len()
}

// Buckets returns a copy of the queue.
func (tq *TargetTracker) Buckets() TargetBuckets {
	tq.lk.Lock()
	defer tq.lk.Unlock()
	out := make(TargetBuckets, len(tq.q))
	copy(out, tq.q)
	return out
}

// TargetBuckets orders targets by claimed weight, heaviest first, then by
// claimed height, lowest first.
type TargetBuckets []*Target

func (rq TargetBuckets) Len() int { return len(rq) }

func (rq TargetBuckets) Less(i, j int) bool {
	if !rq[i].Weight.Equals(rq[j].Weight) {
		return rq[i].Weight.GreaterThan(rq[j].Weight)
	}
	return rq[i].Height < rq[j].Height
}

func (rq TargetBuckets) Swap(i, j int) {
	rq[i], rq[j] = rq[j], rq[i]
}
