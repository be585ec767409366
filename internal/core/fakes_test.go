package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkraev/roomhop/internal/stt"
)

// eventLog records the order of side effects across fakes.
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (e *eventLog) add(entry string) {
	e.mu.Lock()
	e.entries = append(e.entries, entry)
	e.mu.Unlock()
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.entries...)
}

// fakeLeg implements CallLeg and MediaFlow, born active.
type fakeLeg struct {
	id        string
	remoteURI string
	opts      CallOptions

	recv chan Frame
	done chan struct{}

	mu        sync.Mutex
	state     FlowState
	flowSubs  map[int]func(FlowStateChange)
	termSubs  map[int]func(error)
	subSeq    int
	sent      []Frame
	transfers []string

	transferErr error
	hungUp      bool
}

func newFakeLeg(id string) *fakeLeg {
	return &fakeLeg{
		id:        id,
		remoteURI: "sip:" + id + "@test",
		recv:      make(chan Frame, 16),
		done:      make(chan struct{}),
		state:     FlowActive,
		flowSubs:  make(map[int]func(FlowStateChange)),
		termSubs:  make(map[int]func(error)),
	}
}

func (l *fakeLeg) ID() string        { return l.id }
func (l *fakeLeg) RemoteURI() string { return l.remoteURI }
func (l *fakeLeg) Flow() MediaFlow   { return l }

func (l *fakeLeg) State() FlowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLeg) OnStateChanged(fn func(FlowStateChange)) func() {
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

func (l *fakeLeg) OnTerminated(fn func(error)) func() {
	l.mu.Lock()
	if l.hungUp {
		l.mu.Unlock()
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

func (l *fakeLeg) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-l.recv:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrFlowTerminated
	}
}

func (l *fakeLeg) WriteFrame(f Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hungUp {
		return ErrFlowTerminated
	}
	l.sent = append(l.sent, f)
	return nil
}

func (l *fakeLeg) deliver(f Frame) {
	select {
	case l.recv <- f:
	default:
	}
}

func (l *fakeLeg) sentFrames() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Frame(nil), l.sent...)
}

func (l *fakeLeg) TransferToSelf(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hungUp {
		return ErrFlowTerminated
	}
	if l.transferErr != nil {
		return l.transferErr
	}
	l.transfers = append(l.transfers, token)
	return nil
}

func (l *fakeLeg) transferTokens() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.transfers...)
}

func (l *fakeLeg) Hangup() error {
	l.mu.Lock()
	if l.hungUp {
		l.mu.Unlock()
		return nil
	}
	l.hungUp = true
	prev := l.state
	l.state = FlowTerminated
	flowSubs := make([]func(FlowStateChange), 0, len(l.flowSubs))
	for _, fn := range l.flowSubs {
		flowSubs = append(flowSubs, fn)
	}
	termSubs := make([]func(error), 0, len(l.termSubs))
	for _, fn := range l.termSubs {
		termSubs = append(termSubs, fn)
	}
	l.flowSubs = make(map[int]func(FlowStateChange))
	l.termSubs = make(map[int]func(error))
	l.mu.Unlock()

	close(l.done)
	change := FlowStateChange{Previous: prev, Current: FlowTerminated}
	for _, fn := range flowSubs {
		fn(change)
	}
	for _, fn := range termSubs {
		fn(nil)
	}
	return nil
}

type fakeConference struct {
	id  string
	uri string

	mu             sync.Mutex
	legs           []*fakeLeg
	dialErr        error
	controlDialErr error
}

func newFakeConference(subject string) *fakeConference {
	return &fakeConference{id: "conf-" + subject, uri: "conf:" + subject + "@test"}
}

func (c *fakeConference) ID() string  { return c.id }
func (c *fakeConference) URI() string { return c.uri }

func (c *fakeConference) Dial(ctx context.Context, opts CallOptions) (CallLeg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.RecvOnly && c.controlDialErr != nil {
		return nil, c.controlDialErr
	}
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	l := newFakeLeg(fmt.Sprintf("%s-leg-%d", c.id, len(c.legs)+1))
	l.opts = opts
	c.legs = append(c.legs, l)
	return l, nil
}

func (c *fakeConference) dialedLegs() []*fakeLeg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeLeg(nil), c.legs...)
}

// fakePlatform implements Platform with injectable failures.
type fakePlatform struct {
	events *eventLog

	mu          sync.Mutex
	conferences []*fakeConference
	players     []*fakePlayer
	bridges     [][2]CallLeg
	handler     InboundHandler

	scheduleErr error
	confDialErr error
	bridgeErr   error
	sourceErr   error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{events: &eventLog{}}
}

func (p *fakePlatform) ScheduleConference(ctx context.Context, subject string) (Conference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduleErr != nil {
		return nil, p.scheduleErr
	}
	conf := newFakeConference(subject)
	conf.dialErr = p.confDialErr
	p.conferences = append(p.conferences, conf)
	return conf, nil
}

func (p *fakePlatform) Bridge(ctx context.Context, caller, room CallLeg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bridgeErr != nil {
		return p.bridgeErr
	}
	p.bridges = append(p.bridges, [2]CallLeg{caller, room})
	return nil
}

func (p *fakePlatform) HandleInbound(h InboundHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *fakePlatform) NewPlayer() Player {
	p.mu.Lock()
	defer p.mu.Unlock()
	player := newFakePlayer(p.events)
	p.players = append(p.players, player)
	return player
}

func (p *fakePlatform) NewFileSource(path string) (AudioSource, error) {
	if p.sourceErr != nil {
		return nil, p.sourceErr
	}
	return &fakeSource{path: path, events: p.events}, nil
}

func (p *fakePlatform) Close() error { return nil }

// fakePlayer plays nothing; tests drive its state transitions.
type fakePlayer struct {
	events *eventLog

	mu     sync.Mutex
	state  PlayerState
	subs   map[int]func(PlayerStateChange)
	subSeq int
	src    AudioSource
	flow   MediaFlow
	starts int
	stops  int

	startErr error
}

func newFakePlayer(events *eventLog) *fakePlayer {
	return &fakePlayer{events: events, subs: make(map[int]func(PlayerStateChange))}
}

func (p *fakePlayer) SetSource(src AudioSource) error {
	p.mu.Lock()
	p.src = src
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) AttachFlow(flow MediaFlow) error {
	p.mu.Lock()
	p.flow = flow
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) DetachFlow() {
	p.mu.Lock()
	p.flow = nil
	p.mu.Unlock()
	p.events.add("player.detach")
}

func (p *fakePlayer) OnStateChanged(fn func(PlayerStateChange)) func() {
	p.mu.Lock()
	p.subSeq++
	id := p.subSeq
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *fakePlayer) Start() error {
	p.mu.Lock()
	if p.startErr != nil {
		p.mu.Unlock()
		return p.startErr
	}
	p.starts++
	p.mu.Unlock()
	p.setState(PlayerStarted)
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	if p.state != PlayerStarted {
		p.mu.Unlock()
		return
	}
	p.stops++
	p.mu.Unlock()
	p.setState(PlayerStopped)
}

// finish simulates the track reaching its end.
func (p *fakePlayer) finish() {
	p.setState(PlayerStopped)
}

func (p *fakePlayer) setState(next PlayerState) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	subs := make([]func(PlayerStateChange), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	change := PlayerStateChange{Previous: prev, Current: next}
	for _, fn := range subs {
		fn(change)
	}
}

func (p *fakePlayer) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

type fakeSource struct {
	path   string
	events *eventLog

	mu       sync.Mutex
	prepared bool
	closed   bool

	prepareErr error
}

func (s *fakeSource) Prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepareErr != nil {
		return s.prepareErr
	}
	s.prepared = true
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.events.add("source.close")
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeStream collects audio and lets the test emit results.
type fakeStream struct {
	mu      sync.Mutex
	audio   [][]byte
	results chan stt.Command
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan stt.Command, 8)}
}

func (s *fakeStream) SendAudio(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, audio)
	return nil
}

func (s *fakeStream) Results() <-chan stt.Command { return s.results }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}

func (s *fakeStream) emit(cmd stt.Command) {
	s.results <- cmd
}

func (s *fakeStream) audioChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
}

func (r *fakeRecognizer) Open(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return nil, r.openErr
	}
	s := newFakeStream()
	r.streams = append(r.streams, s)
	return s, nil
}

func (r *fakeRecognizer) opened() []*fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeStream(nil), r.streams...)
}
