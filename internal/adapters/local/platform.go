// Package local is an in-process realization of the platform interfaces:
// conferences are frame fan-outs, call legs are channel pipes and the
// playback engine paces RTP out of an in-memory file source. It exists so
// the engine can run (and be tested) without external telephony
// infrastructure; a production transport adapter implements the same
// core interfaces.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkraev/roomhop/internal/core"
)

const flowBuffer = 64

var ErrPlatformClosed = errors.New("platform closed")

// Options tune the in-process media plane.
type Options struct {
	// SampleRate of PCM carried in RTP payloads, Hz.
	SampleRate int
}

func (o Options) withDefaults() Options {
	if o.SampleRate == 0 {
		o.SampleRate = 16000
	}
	return o
}

// Platform implements core.Platform in-process.
type Platform struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	handler     core.InboundHandler
	conferences map[string]*conference
	closed      bool
}

func NewPlatform(opts Options, logger zerolog.Logger) *Platform {
	return &Platform{
		opts:        opts.withDefaults(),
		log:         logger.With().Str("module", "adapters.local").Logger(),
		conferences: make(map[string]*conference),
	}
}

func (p *Platform) HandleInbound(h core.InboundHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Platform) ScheduleConference(ctx context.Context, subject string) (core.Conference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPlatformClosed
	}
	conf := &conference{
		id:      uuid.NewString(),
		uri:     fmt.Sprintf("conf:%s@local", subject),
		subject: subject,
		legs:    make(map[string]*leg),
		log:     p.log.With().Str("conference", subject).Logger(),
	}
	p.conferences[conf.id] = conf
	p.log.Info().Str("subject", subject).Str("id", conf.id).Msg("conference scheduled")
	return conf, nil
}

// Bridge pumps frames between the caller and room legs until either side
// terminates. One operation, one result: a dead leg fails the bridge
// before any pump starts.
func (p *Platform) Bridge(ctx context.Context, caller, room core.CallLeg) error {
	callerFlow, roomFlow := caller.Flow(), room.Flow()
	if callerFlow.State() != core.FlowActive || roomFlow.State() != core.FlowActive {
		return fmt.Errorf("bridge: leg not active")
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	stop := func(error) { cancel() }
	unsubA := caller.OnTerminated(stop)
	unsubB := room.OnTerminated(stop)

	pump := func(from, to core.MediaFlow) {
		defer cancel()
		for {
			frame, err := from.ReadFrame(bridgeCtx)
			if err != nil {
				return
			}
			if err := to.WriteFrame(frame); err != nil {
				return
			}
		}
	}
	go pump(callerFlow, roomFlow)
	go pump(roomFlow, callerFlow)
	go func() {
		<-bridgeCtx.Done()
		unsubA()
		unsubB()
	}()

	p.log.Info().Str("caller", caller.ID()).Str("room_leg", room.ID()).Msg("legs bridged")
	return nil
}

func (p *Platform) NewPlayer() core.Player {
	return newPlayer(p.opts.SampleRate, p.log)
}

func (p *Platform) NewFileSource(path string) (core.AudioSource, error) {
	return newFileSource(path)
}

func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conferences := p.conferences
	p.conferences = nil
	p.mu.Unlock()

	for _, conf := range conferences {
		conf.close()
	}
	p.log.Info().Msg("platform closed")
	return nil
}

func (p *Platform) inboundHandler() core.InboundHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// deliver hands an inbound call to the registered handler on its own
// goroutine, the way a real platform raises call events.
func (p *Platform) deliver(call core.InboundCall) {
	h := p.inboundHandler()
	if h == nil {
		p.log.Warn().Str("leg", call.Leg.ID()).Msg("inbound call with no handler registered")
		_ = call.Leg.Hangup()
		return
	}
	go h(call)
}

// conference fans every member's frames out to every other member.
type conference struct {
	id      string
	uri     string
	subject string
	log     zerolog.Logger

	mu     sync.Mutex
	legs   map[string]*leg
	closed bool
}

func (c *conference) ID() string  { return c.id }
func (c *conference) URI() string { return c.uri }

func (c *conference) Dial(ctx context.Context, opts core.CallOptions) (core.CallLeg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("conference %s is closed", c.subject)
	}

	l := newLeg(legConfig{
		remoteURI: fmt.Sprintf("sip:%s@local", c.subject),
		opts:      opts,
		log:       c.log,
	})
	l.sink = func(f core.Frame) error {
		if opts.RecvOnly {
			return nil
		}
		c.broadcast(l.id, f)
		return nil
	}
	l.onHangup = func() { c.drop(l.id) }
	c.legs[l.id] = l
	l.activate()
	c.log.Info().Str("leg", l.id).Bool("recv_only", opts.RecvOnly).Msg("leg joined conference")
	return l, nil
}

// broadcast delivers a frame to every member but the sender, dropping on
// backpressure the way an RTP mixer would.
func (c *conference) broadcast(fromID string, f core.Frame) {
	c.mu.Lock()
	members := make([]*leg, 0, len(c.legs))
	for id, member := range c.legs {
		if id != fromID {
			members = append(members, member)
		}
	}
	c.mu.Unlock()

	for _, member := range members {
		member.deliver(f)
	}
}

func (c *conference) drop(id string) {
	c.mu.Lock()
	delete(c.legs, id)
	c.mu.Unlock()
}

func (c *conference) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	legs := make([]*leg, 0, len(c.legs))
	for _, l := range c.legs {
		legs = append(legs, l)
	}
	c.mu.Unlock()

	for _, l := range legs {
		_ = l.Hangup()
	}
}

var legSeq atomic.Int64

type legConfig struct {
	remoteURI string
	opts      core.CallOptions
	log       zerolog.Logger
}

// leg implements core.CallLeg and core.MediaFlow in one: the local media
// plane has no separate flow object worth modeling.
type leg struct {
	id        string
	remoteURI string
	opts      core.CallOptions
	log       zerolog.Logger

	recv chan core.Frame
	done chan struct{}

	mu         sync.Mutex
	state      core.FlowState
	flowSubs   map[int]func(core.FlowStateChange)
	termSubs   map[int]func(error)
	subSeq     int
	sink       func(core.Frame) error
	onHangup   func()
	onTransfer func(ctx context.Context, token string) error
	hungUp     bool
}

func newLeg(cfg legConfig) *leg {
	return &leg{
		id:        fmt.Sprintf("leg-%d", legSeq.Add(1)),
		remoteURI: cfg.remoteURI,
		opts:      cfg.opts,
		log:       cfg.log,
		recv:      make(chan core.Frame, flowBuffer),
		done:      make(chan struct{}),
		state:     core.FlowIdle,
		flowSubs:  make(map[int]func(core.FlowStateChange)),
		termSubs:  make(map[int]func(error)),
	}
}

func (l *leg) ID() string           { return l.id }
func (l *leg) RemoteURI() string    { return l.remoteURI }
func (l *leg) Flow() core.MediaFlow { return l }

func (l *leg) State() core.FlowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *leg) OnStateChanged(fn func(core.FlowStateChange)) func() {
	l.mu.Lock()
	l.subSeq++
	id := l.subSeq
	l.flowSubs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.flowSubs, id)
		l.mu.Unlock()
	}
}

func (l *leg) OnTerminated(fn func(error)) func() {
	l.mu.Lock()
	if l.hungUp {
		l.mu.Unlock()
		// Already terminal; fire immediately, still exactly once.
		fn(nil)
		return func() {}
	}
	l.subSeq++
	id := l.subSeq
	l.termSubs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.termSubs, id)
		l.mu.Unlock()
	}
}

func (l *leg) ReadFrame(ctx context.Context) (core.Frame, error) {
	select {
	case f := <-l.recv:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		// Drain anything that raced the hangup.
		select {
		case f := <-l.recv:
			return f, nil
		default:
			return nil, core.ErrFlowTerminated
		}
	}
}

func (l *leg) WriteFrame(f core.Frame) error {
	l.mu.Lock()
	if l.hungUp {
		l.mu.Unlock()
		return core.ErrFlowTerminated
	}
	sink := l.sink
	l.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink(f)
}

// deliver queues an incoming frame, dropping on backpressure.
func (l *leg) deliver(f core.Frame) {
	select {
	case <-l.done:
	case l.recv <- f:
	default:
	}
}

func (l *leg) TransferToSelf(ctx context.Context, token string) error {
	l.mu.Lock()
	transfer := l.onTransfer
	hungUp := l.hungUp
	l.mu.Unlock()
	if hungUp {
		return core.ErrFlowTerminated
	}
	if transfer == nil {
		return fmt.Errorf("leg %s does not support self transfer", l.id)
	}
	return transfer(ctx, token)
}

func (l *leg) Hangup() error {
	l.mu.Lock()
	if l.hungUp {
		l.mu.Unlock()
		return nil
	}
	l.hungUp = true
	prev := l.state
	l.state = core.FlowTerminated
	flowSubs := make([]func(core.FlowStateChange), 0, len(l.flowSubs))
	for _, fn := range l.flowSubs {
		flowSubs = append(flowSubs, fn)
	}
	termSubs := make([]func(error), 0, len(l.termSubs))
	for _, fn := range l.termSubs {
		termSubs = append(termSubs, fn)
	}
	l.flowSubs = make(map[int]func(core.FlowStateChange))
	l.termSubs = make(map[int]func(error))
	onHangup := l.onHangup
	l.mu.Unlock()

	close(l.done)
	change := core.FlowStateChange{Previous: prev, Current: core.FlowTerminated}
	for _, fn := range flowSubs {
		fn(change)
	}
	for _, fn := range termSubs {
		fn(nil)
	}
	if onHangup != nil {
		onHangup()
	}
	l.log.Info().Str("leg", l.id).Msg("leg terminated")
	return nil
}

func (l *leg) activate() {
	l.mu.Lock()
	if l.state != core.FlowIdle {
		l.mu.Unlock()
		return
	}
	prev := l.state
	l.state = core.FlowActive
	subs := make([]func(core.FlowStateChange), 0, len(l.flowSubs))
	for _, fn := range l.flowSubs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	change := core.FlowStateChange{Previous: prev, Current: core.FlowActive}
	for _, fn := range subs {
		fn(change)
	}
}
