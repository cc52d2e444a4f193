package dispatcher

import (
	"container/list"
	"context"
	"runtime/debug"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/streadway/handy/atomic"

	"github.com/spacetime-network/chronos/pkg/chainsync/types"
	types2 "github.com/spacetime-network/chronos/pkg/types"
)

var log = logging.Logger("chainsync.dispatcher")

// ErrStopped is returned for targets sent after the dispatcher stopped.
var ErrStopped = errors.New("sync dispatcher stopped")

// DefaultInQueueSize is the bucketSize of the channel used for receiving targets from producers.
const DefaultInQueueSize = 5

// DefaultWorkQueueSize is the bucketSize of the work queue
const DefaultWorkQueueSize = 15

// DefaultPollInterval is how often the work queue is polled when no event
// wakes the worker.
const DefaultPollInterval = 500 * time.Millisecond

// dispatchSyncer is the interface of the logic syncing incoming chains
type dispatchSyncer interface {
	Head() *types2.BlockRecord
	HandleNewTarget(context.Context, *types.Target) error
}

// NewDispatcher creates a new syncing dispatcher with default queue sizes.
func NewDispatcher(syncer dispatchSyncer, maxConcurrent int) *Dispatcher {
	return NewDispatcherWithSizes(syncer, DefaultWorkQueueSize, DefaultInQueueSize, maxConcurrent)
}

// NewDispatcherWithSizes creates a new syncing dispatcher.
func NewDispatcherWithSizes(syncer dispatchSyncer, workQueueSize, inQueueSize, maxConcurrent int) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		workTracker:     types.NewTargetTracker(workQueueSize),
		syncer:          syncer,
		incoming:        make(chan *types.Target, inQueueSize),
		control:         make(chan interface{}, 1),
		wake:            make(chan struct{}, 1),
		stopped:         make(chan struct{}),
		registeredCb:    func(t *types.Target, err error) {},
		cancelControler: list.New(),
		maxCount:        int64(maxConcurrent),
		pollInterval:    DefaultPollInterval,
	}
}

// cbMessage registers a user callback to be fired following every sync.
type cbMessage struct {
	cb func(*types.Target, error)
}

// Dispatcher receives, sorts and dispatches targets to the syncer to control
// chain syncing.
//
// New targets arrive over the incoming channel. The dispatcher then puts them
// into the workTracker which sorts them by their claimed chain weight. The
// dispatcher pops the heaviest target whose peer has no session running and
// syncs it, running at most maxCount sessions at once.
//
// The dispatcher has a simple control channel. It reads this for external
// controls. Currently there is only one kind of control message. It registers
// a callback that the dispatcher will call after every sync.
type Dispatcher struct {
	// workTracker is a priority queue of target chain heads that should be
	// synced
	workTracker *types.TargetTracker
	// incoming is the queue of incoming sync targets to the dispatcher.
	incoming chan *types.Target
	// syncer is used for dispatching sync targets for chain heads to sync
	// local chain state to these targets.
	syncer dispatchSyncer

	// registeredCb is a callback registered over the control channel. It
	// is called after every sync.
	registeredCb func(*types.Target, error)
	cbLk         sync.RWMutex
	// control is a queue of control messages not yet processed.
	control chan interface{}
	// wake short-cuts the poll interval when work may be available.
	wake chan struct{}
	// stopped is closed once the context passed to Start is done.
	stopped chan struct{}

	cancelControler *list.List
	lk              sync.Mutex
	conCurrent      atomic.Int
	maxCount        int64
	pollInterval    time.Duration
}

// SyncTracker returns the queue of sync targets.
func (d *Dispatcher) SyncTracker() *types.TargetTracker {
	return d.workTracker
}

// SendWeightClaim queues the chain a peer claims for syncing.
func (d *Dispatcher) SendWeightClaim(ci *types2.ChainInfo) error {
	return d.addTracker(ci)
}

// SendOwnBlock handles chain info of a block this node produced.
func (d *Dispatcher) SendOwnBlock(ci *types2.ChainInfo) error {
	return d.addTracker(ci)
}

func (d *Dispatcher) addTracker(ci *types2.ChainInfo) error {
	select {
	case d.incoming <- types.NewTarget(ci, d.syncer.Head()):
		return nil
	case <-d.stopped:
		return ErrStopped
	}
}

// SetPollInterval changes how often the work queue is polled. It must be
// called before Start.
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	d.pollInterval = interval
}

// Start launches the business logic for the syncing subsystem. It must be
// called once.
func (d *Dispatcher) Start(syncingCtx context.Context) {
	go d.processIncoming(syncingCtx)

	go d.syncWorker(syncingCtx)

	go func() {
		<-syncingCtx.Done()
		close(d.stopped)
	}()
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) processIncoming(ctx context.Context) {
	defer func() {
		log.Info("exiting sync dispatcher")
		if r := recover(); r != nil {
			log.Errorf("panic: %v", r)
			debug.PrintStack()
		}
	}()

	for {
		// controls go first
		select {
		case ctrl := <-d.control:
			d.processCtrl(ctrl)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			log.Info("context done")
			return
		case ctrl := <-d.control:
			log.Infof("processing control: %v", ctrl)
			d.processCtrl(ctrl)
		case target := <-d.incoming:
			// Sort new targets by putting on work queue.
			if d.workTracker.Add(target) {
				log.Infof("received target %s current work len %d incoming len: %d",
					target.ChainInfo.String(), d.workTracker.Len(), len(d.incoming))
				d.notify()
			}
		}
	}
}

// SetConcurrent sets the max number of sessions syncing at once. Sessions
// over the new limit are cancelled, newest first.
func (d *Dispatcher) SetConcurrent(number int64) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.maxCount = number
	diff := d.conCurrent.Get() - d.maxCount
	if diff > 0 {
		ele := d.cancelControler.Back()
		for ele != nil && diff > 0 {
			ele.Value.(context.CancelFunc)()
			preEle := ele.Prev()
			d.cancelControler.Remove(ele)
			ele = preEle
			diff--
		}
	}
	d.notify()
}

// Concurrent returns the max number of sessions syncing at once.
func (d *Dispatcher) Concurrent() int64 {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.maxCount
}

// Running returns the number of sessions in flight.
func (d *Dispatcher) Running() int64 {
	return d.conCurrent.Get()
}

// syncWorker takes targets from the work tracker whenever woken or polled and
// starts a session for each while below the concurrency limit.
func (d *Dispatcher) syncWorker(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-d.wake:
		case <-ctx.Done():
			log.Info("context done")
			return
		}
		d.dispatch(ctx)
	}
}

// dispatch starts sessions until the queue holds nothing selectable or the
// concurrency limit is reached.
func (d *Dispatcher) dispatch(ctx context.Context) {
	d.lk.Lock()
	defer d.lk.Unlock()
	for d.conCurrent.Get() < d.maxCount {
		syncTarget, popped := d.workTracker.Select()
		if !popped {
			return
		}
		syncTarget.SetState(types.StageRequestingWeightProof)
		sessionCtx, cancel := context.WithCancel(ctx)
		ele := d.cancelControler.PushBack(cancel)
		d.conCurrent.Add(1)

		go func() {
			err := d.syncer.HandleNewTarget(sessionCtx, syncTarget)
			syncTarget.Finish(err)
			d.workTracker.Remove(syncTarget)
			if err != nil {
				log.Infof("failed sync of %s: %s", syncTarget.ChainInfo.String(), err)
			}

			d.lk.Lock()
			for e := d.cancelControler.Front(); e != nil; e = e.Next() {
				if e == ele {
					d.cancelControler.Remove(ele)
					break
				}
			}
			cancel()
			d.conCurrent.Add(-1)
			d.lk.Unlock()

			d.cbLk.RLock()
			cb := d.registeredCb
			d.cbLk.RUnlock()
			cb(syncTarget, err)
			d.notify()
		}()
	}
}

// RegisterCallback registers a callback on the dispatcher that
// will fire after every target sync.
func (d *Dispatcher) RegisterCallback(cb func(*types.Target, error)) {
	d.control <- cbMessage{cb: cb}
}

func (d *Dispatcher) processCtrl(ctrlMsg interface{}) {
	// processCtrl takes a control message, determines its type, and performs the
	// specified action.
	switch typedMsg := ctrlMsg.(type) {
	case cbMessage:
		d.cbLk.Lock()
		d.registeredCb = typedMsg.cb
		d.cbLk.Unlock()
	default:
		// We don't know this type, log and ignore
		log.Infof("dispatcher control can not handle type %T", typedMsg)
	}
}
