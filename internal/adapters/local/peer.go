package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkraev/roomhop/internal/core"
)

// RemotePeer is the far end of an inbound call: the dial-in gateway (or a
// test) speaks and listens through it. A peer outlives self-transfers; the
// platform swaps the engine-side leg underneath it while the caller keeps
// streaming.
type RemotePeer struct {
	platform  *Platform
	remoteURI string

	hear chan core.Frame

	mu     sync.Mutex
	leg    *leg
	hungUp bool
}

// DialIn places a new inbound call onto the platform, as if a caller had
// dialed the application. The registered inbound handler receives the
// engine-side leg; the returned peer is the caller side.
func (p *Platform) DialIn(ctx context.Context, remoteURI string) (*RemotePeer, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPlatformClosed
	}
	p.mu.Unlock()

	peer := &RemotePeer{
		platform:  p,
		remoteURI: remoteURI,
		hear:      make(chan core.Frame, flowBuffer),
	}
	l := peer.newLeg()
	peer.mu.Lock()
	peer.leg = l
	peer.mu.Unlock()

	p.log.Info().Str("caller", remoteURI).Str("leg", l.id).Msg("inbound call")
	p.deliver(core.InboundCall{Leg: l})
	return peer, nil
}

// newLeg builds an engine-side leg wired to this peer. Frames the engine
// writes land in peer.hear; the peer's Send feeds the leg's read side.
func (r *RemotePeer) newLeg() *leg {
	l := newLeg(legConfig{
		remoteURI: r.remoteURI,
		opts:      core.CallOptions{SupportsReplaces: true},
		log:       r.platform.log,
	})
	l.sink = func(f core.Frame) error {
		select {
		case r.hear <- f:
		default:
		}
		return nil
	}
	l.onTransfer = func(ctx context.Context, token string) error {
		return r.replaceLeg(ctx, token)
	}
	l.activate()
	return l
}

// replaceLeg implements self-transfer: terminate the current engine leg,
// attach a fresh one to the same caller and re-deliver it as a replacement
// inbound call carrying the correlation token. The old leg terminates
// before the replacement is announced, matching platform semantics.
func (r *RemotePeer) replaceLeg(ctx context.Context, token string) error {
	r.mu.Lock()
	if r.hungUp {
		r.mu.Unlock()
		return core.ErrFlowTerminated
	}
	old := r.leg
	next := r.newLeg()
	r.leg = next
	r.mu.Unlock()

	_ = old.Hangup()
	r.platform.log.Info().Str("token", token).Str("leg", next.id).Msg("re-delivering replaced caller")
	r.platform.deliver(core.InboundCall{Leg: next, Replaces: token})
	return nil
}

// Send carries caller audio into the engine.
func (r *RemotePeer) Send(f core.Frame) error {
	r.mu.Lock()
	l := r.leg
	hungUp := r.hungUp
	r.mu.Unlock()
	if hungUp {
		return fmt.Errorf("peer hung up")
	}
	l.deliver(f)
	return nil
}

// Hear delivers engine audio to the caller.
func (r *RemotePeer) Hear() <-chan core.Frame { return r.hear }

// Hangup ends the call from the caller side.
func (r *RemotePeer) Hangup() {
	r.mu.Lock()
	if r.hungUp {
		r.mu.Unlock()
		return
	}
	r.hungUp = true
	l := r.leg
	r.mu.Unlock()
	_ = l.Hangup()
}
