package chain

import (
	"context"
	"sync"

	"github.com/spacetime-network/chronos/pkg/types"
)

// SubscribeHeadChanges registers f to be called with every head change, in
// commit order, from the notification goroutine.
func (idx *Index) SubscribeHeadChanges(f ReorgNotifee) {
	idx.notifeesLk.Lock()
	defer idx.notifeesLk.Unlock()
	idx.notifees = append(idx.notifees, f)
}

func (idx *Index) reorgWorker(ctx context.Context) {
	for {
		select {
		case upd := <-idx.reorgCh:
			idx.headEvents.Pub(headChanges(upd), types.HeadChangeTopic)

			idx.notifeesLk.Lock()
			notifees := idx.notifees
			idx.notifeesLk.Unlock()

			var toremove map[int]struct{}
			for i, hcf := range notifees {
				err := hcf(upd)
				switch err {
				case nil:
				case ErrNotifeeDone:
					if toremove == nil {
						toremove = make(map[int]struct{})
					}
					toremove[i] = struct{}{}
				default:
					log.Error("head change func errored (BAD): ", err)
				}
			}

			if len(toremove) > 0 {
				idx.notifeesLk.Lock()
				newNotifees := make([]ReorgNotifee, 0, len(idx.notifees))
				for i, hcf := range idx.notifees {
					if _, ok := toremove[i]; ok {
						continue
					}
					newNotifees = append(newNotifees, hcf)
				}
				idx.notifees = newNotifees
				idx.notifeesLk.Unlock()
			}
		case <-ctx.Done():
			return
		}
	}
}

func headChanges(upd *HeadUpdate) []*types.HeadChange {
	out := make([]*types.HeadChange, 0, len(upd.Rollback)+len(upd.Rollforward))
	for _, blk := range upd.Rollback {
		out = append(out, &types.HeadChange{Type: types.HCRevert, Val: blk})
	}
	for _, blk := range upd.Rollforward {
		out = append(out, &types.HeadChange{Type: types.HCApply, Val: blk})
	}
	return out
}

// SubHeadChanges returns a channel of head changes. The first value holds
// the current head; every later value is one ordered transition. The
// channel closes when ctx is done. Changes a slow reader has not taken are
// queued rather than holding up delivery to other subscribers.
func (idx *Index) SubHeadChanges(ctx context.Context) chan []*types.HeadChange {
	idx.mu.RLock()
	subCh := idx.headEvents.Sub(types.HeadChangeTopic)
	head := idx.head
	idx.mu.RUnlock()

	out := make(chan []*types.HeadChange, 16)
	out <- []*types.HeadChange{{
		Type: types.HCCurrent,
		Val:  head,
	}}

	go func() {
		defer close(out)
		var (
			pending   [][]*types.HeadChange
			done      = ctx.Done()
			unsubOnce sync.Once
		)
		for {
			var (
				send chan<- []*types.HeadChange
				next []*types.HeadChange
			)
			if len(pending) > 0 {
				send, next = out, pending[0]
			}
			select {
			case val, ok := <-subCh:
				if !ok {
					log.Debug("head change sub exit loop")
					return
				}
				if done == nil {
					continue
				}
				pending = append(pending, val.([]*types.HeadChange))
				if len(pending) > 5 {
					log.Warnf("head change sub is slow, has %d queued entries", len(pending))
				}
			case send <- next:
				pending[0] = nil
				pending = pending[1:]
			case <-done:
				pending, done = nil, nil
				unsubOnce.Do(func() {
					go idx.headEvents.Unsub(subCh)
				})
			}
		}
	}()
	return out
}
