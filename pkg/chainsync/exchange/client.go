package exchange

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"

	"github.com/spacetime-network/chronos/pkg/encoding"
	"github.com/spacetime-network/chronos/pkg/types"
)

// Client requests chain data from peers.
type Client interface {
	GetWeightProof(ctx context.Context, p peer.ID, tip types.Hash) (*WeightProof, error)
	GetAncestors(ctx context.Context, p peer.ID, from types.Hash, count uint64) ([]*types.BlockRecord, error)
	GetBlockRange(ctx context.Context, p peer.ID, tip, start types.Hash, count uint64) ([]*types.BlockRecord, error)
}

// ErrUnknownPeer is returned for requests to peers that are not connected.
var ErrUnknownPeer = errors.New("unknown peer")

// Loopback is an in-process transport. Every request and response makes a
// CBOR round trip so that peers never share memory.
type Loopback struct {
	lk      sync.RWMutex
	servers map[peer.ID]Server
}

var _ Client = (*Loopback)(nil)

// NewLoopback returns a transport without peers.
func NewLoopback() *Loopback {
	return &Loopback{servers: make(map[peer.ID]Server)}
}

// Register connects peer p served by srv.
func (l *Loopback) Register(p peer.ID, srv Server) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.servers[p] = srv
}

// Disconnect removes peer p.
func (l *Loopback) Disconnect(p peer.ID) {
	l.lk.Lock()
	defer l.lk.Unlock()
	delete(l.servers, p)
}

func (l *Loopback) server(p peer.ID) (Server, error) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	srv, ok := l.servers[p]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPeer, "%s", p)
	}
	return srv, nil
}

// roundTrip copies in through its wire encoding into out.
func roundTrip(in, out interface{}) error {
	raw, err := encoding.Encode(in)
	if err != nil {
		return err
	}
	return encoding.Decode(raw, out)
}

func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, RequestDeadline)
}

// call runs handle on its own goroutine so that a slow server cannot
// outlive ctx.
func call(ctx context.Context, handle func(ctx context.Context) (interface{}, error), out interface{}) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	type result struct {
		resp interface{}
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := handle(ctx)
		done <- result{resp, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return errors.Wrap(res.err, "remote error")
		}
		return roundTrip(res.resp, out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetWeightProof implements Client.
func (l *Loopback) GetWeightProof(ctx context.Context, p peer.ID, tip types.Hash) (*WeightProof, error) {
	srv, err := l.server(p)
	if err != nil {
		return nil, err
	}
	var req WeightProofRequest
	if err := roundTrip(&WeightProofRequest{Tip: tip}, &req); err != nil {
		return nil, err
	}
	var resp WeightProof
	err = call(ctx, func(ctx context.Context) (interface{}, error) {
		return srv.WeightProof(ctx, &req)
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.Status.Err(resp.Message); err != nil {
		return nil, err
	}
	if resp.Tip == nil {
		return nil, errors.New("weight proof without tip")
	}
	return &resp, nil
}

// GetAncestors implements Client.
func (l *Loopback) GetAncestors(ctx context.Context, p peer.ID, from types.Hash, count uint64) ([]*types.BlockRecord, error) {
	srv, err := l.server(p)
	if err != nil {
		return nil, err
	}
	var req AncestorsRequest
	if err := roundTrip(&AncestorsRequest{From: from, Count: count}, &req); err != nil {
		return nil, err
	}
	var resp BlockRangeResponse
	err = call(ctx, func(ctx context.Context) (interface{}, error) {
		return srv.Ancestors(ctx, &req)
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.Status.Err(resp.Message); err != nil {
		return nil, err
	}
	log.Debugf("received %d ancestors of %s from %s", len(resp.Blocks), from.ShortString(), p)
	return resp.Blocks, nil
}

// GetBlockRange implements Client.
func (l *Loopback) GetBlockRange(ctx context.Context, p peer.ID, tip, start types.Hash, count uint64) ([]*types.BlockRecord, error) {
	srv, err := l.server(p)
	if err != nil {
		return nil, err
	}
	var req BlockRangeRequest
	if err := roundTrip(&BlockRangeRequest{Tip: tip, Start: start, Count: count}, &req); err != nil {
		return nil, err
	}
	var resp BlockRangeResponse
	err = call(ctx, func(ctx context.Context) (interface{}, error) {
		return srv.BlockRange(ctx, &req)
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.Status.Err(resp.Message); err != nil {
		return nil, err
	}
	log.Debugf("received %d blocks after %s from %s", len(resp.Blocks), start.ShortString(), p)
	return resp.Blocks, nil
}
