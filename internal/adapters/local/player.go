package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog"

	"github.com/mkraev/roomhop/internal/core"
)

const (
	frameInterval = 20 * time.Millisecond
	rtpMTU        = 1200
	// L16 mono; see RFC 3551 table 4.
	payloadTypeL16 = 11
)

// player is the platform playback engine: it paces 20 ms PCM chunks out of
// a prepared file source as RTP packets on the attached flow. It plays the
// source once per Start; it does not loop (core.MediaLoopPlayer restarts it).
type player struct {
	sampleRate int
	log        zerolog.Logger

	mu     sync.Mutex
	state  core.PlayerState
	subs   map[int]func(core.PlayerStateChange)
	subSeq int
	source *fileSource
	flow   core.MediaFlow
	stop   chan struct{}
}

func newPlayer(sampleRate int, logger zerolog.Logger) *player {
	return &player{
		sampleRate: sampleRate,
		log:        logger.With().Str("module", "adapters.local.player").Logger(),
		state:      core.PlayerIdle,
		subs:       make(map[int]func(core.PlayerStateChange)),
	}
}

func (p *player) SetSource(src core.AudioSource) error {
	fs, ok := src.(*fileSource)
	if !ok {
		return fmt.Errorf("unsupported audio source %T", src)
	}
	p.mu.Lock()
	p.source = fs
	p.mu.Unlock()
	return nil
}

func (p *player) AttachFlow(flow core.MediaFlow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flow != nil {
		return fmt.Errorf("player already attached to a flow")
	}
	p.flow = flow
	return nil
}

func (p *player) DetachFlow() {
	p.Stop()
	p.mu.Lock()
	p.flow = nil
	p.mu.Unlock()
}

func (p *player) OnStateChanged(fn func(core.PlayerStateChange)) func() {
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

// Start plays the source from the beginning. Restarting a stopped player
// is the loop mechanism, so rewinding is deliberate.
func (p *player) Start() error {
	p.mu.Lock()
	if p.state == core.PlayerStarted {
		p.mu.Unlock()
		return nil
	}
	if p.source == nil || p.flow == nil {
		p.mu.Unlock()
		return fmt.Errorf("player has no source or flow")
	}
	p.source.rewind()
	stop := make(chan struct{})
	p.stop = stop
	source, flow := p.source, p.flow
	p.setStateLocked(core.PlayerStarted)
	p.mu.Unlock()

	go p.playback(source, flow, stop)
	return nil
}

func (p *player) Stop() {
	p.mu.Lock()
	if p.state != core.PlayerStarted {
		p.mu.Unlock()
		return
	}
	close(p.stop)
	p.stop = nil
	p.setStateLocked(core.PlayerStopped)
	p.mu.Unlock()
}

// playback paces one pass over the source. On EOF (or a dead flow) the
// player transitions Started -> Stopped and whoever subscribed decides
// whether to start again.
func (p *player) playback(source *fileSource, flow core.MediaFlow, stop <-chan struct{}) {
	chunkBytes := p.sampleRate / int(time.Second/frameInterval) * 2
	samplesPerFrame := uint32(p.sampleRate / int(time.Second/frameInterval))

	packetizer := rtp.NewPacketizer(
		rtpMTU,
		payloadTypeL16,
		rand.Uint32(),
		&codecs.G711Payloader{},
		rtp.NewRandomSequencer(),
		uint32(p.sampleRate),
	)

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		chunk, err := source.readChunk(chunkBytes)
		if errors.Is(err, io.EOF) {
			p.stopped()
			return
		}
		if err != nil {
			p.log.Error().Err(err).Msg("read audio source")
			p.stopped()
			return
		}

		for _, pkt := range packetizer.Packetize(chunk, samplesPerFrame) {
			raw, err := pkt.Marshal()
			if err != nil {
				p.log.Error().Err(err).Msg("marshal rtp packet")
				continue
			}
			if err := flow.WriteFrame(raw); err != nil {
				p.stopped()
				return
			}
		}
	}
}

// stopped records a playback-driven stop, as opposed to an explicit Stop.
func (p *player) stopped() {
	p.mu.Lock()
	if p.state != core.PlayerStarted {
		p.mu.Unlock()
		return
	}
	p.stop = nil
	p.setStateLocked(core.PlayerStopped)
	p.mu.Unlock()
}

func (p *player) setStateLocked(next core.PlayerState) {
	prev := p.state
	p.state = next
	subs := make([]func(core.PlayerStateChange), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	change := core.PlayerStateChange{Previous: prev, Current: next}
	// Callbacks run outside the lock; they may call back into the player.
	go func() {
		for _, fn := range subs {
			fn(change)
		}
	}()
}

// fileSource is an in-memory audio asset, raw 16-bit little-endian PCM.
type fileSource struct {
	path string

	mu   sync.Mutex
	data []byte
	pos  int
}

func newFileSource(path string) (*fileSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio asset: %w", err)
	}
	return &fileSource{path: path}, nil
}

func (s *fileSource) Prepare(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("buffer audio asset: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("audio asset %s is empty", s.path)
	}
	s.mu.Lock()
	s.data = data
	s.pos = 0
	s.mu.Unlock()
	return nil
}

func (s *fileSource) Close() error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

func (s *fileSource) rewind() {
	s.mu.Lock()
	s.pos = 0
	s.mu.Unlock()
}

func (s *fileSource) readChunk(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil || s.pos >= len(s.data) {
		return nil, io.EOF
	}
	end := s.pos + n
	if end > len(s.data) {
		end = len(s.data)
	}
	chunk := s.data[s.pos:end]
	s.pos = end
	return chunk, nil
}
