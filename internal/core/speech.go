package core

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/mkraev/roomhop/internal/stt"
)

// GrammarPhrases is the entire navigation vocabulary.
var GrammarPhrases = []string{"next", "previous"}

// SpeechCommandChannel runs continuous command recognition on a control
// leg. It waits for the leg's flow to go active, then pumps depacketized
// audio into the recognizer and emits every in-grammar utterance on
// Commands. Confidence is passed through untouched; low-confidence matches
// are accepted as-is.
type SpeechCommandChannel struct {
	rec stt.Recognizer
	leg CallLeg
	cfg stt.StreamConfig
	log zerolog.Logger

	commands chan stt.Command

	mu     sync.Mutex
	stream stt.Stream
	cancel context.CancelFunc
	unsubs []func()
	closed bool
}

func NewSpeechCommandChannel(rec stt.Recognizer, leg CallLeg, cfg stt.StreamConfig, logger zerolog.Logger) *SpeechCommandChannel {
	cfg.Phrases = GrammarPhrases
	return &SpeechCommandChannel{
		rec:      rec,
		leg:      leg,
		cfg:      cfg,
		log:      logger.With().Str("module", "core.speech").Str("leg", leg.ID()).Logger(),
		commands: make(chan stt.Command, 1),
	}
}

// Commands delivers recognized navigation commands. The channel is closed
// when the control leg terminates or the channel is closed.
func (c *SpeechCommandChannel) Commands() <-chan stt.Command { return c.commands }

// Start arms the channel. Recognition begins when the flow becomes active
// and stops when it terminates; the recognizer is always detached before
// the flow is discarded.
func (c *SpeechCommandChannel) Start(ctx context.Context) {
	flow := c.leg.Flow()

	unsub := flow.OnStateChanged(func(change FlowStateChange) {
		switch change.Current {
		case FlowActive:
			c.activate(ctx, flow)
		case FlowTerminated:
			c.Close()
		}
	})
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.mu.Unlock()

	if flow.State() == FlowActive {
		c.activate(ctx, flow)
	}
}

func (c *SpeechCommandChannel) activate(ctx context.Context, flow MediaFlow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stream != nil {
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.rec.Open(streamCtx, c.cfg)
	if err != nil {
		cancel()
		c.log.Error().Err(err).Msg("open recognition stream, voice navigation disabled")
		return
	}
	c.stream = stream
	c.cancel = cancel
	c.log.Info().Msg("recognition started")

	go c.pumpAudio(streamCtx, flow, stream)
	go c.pumpResults(stream)
}

// pumpAudio moves control-leg audio into the recognizer until the flow or
// the stream dies.
func (c *SpeechCommandChannel) pumpAudio(ctx context.Context, flow MediaFlow, stream stt.Stream) {
	for {
		frame, err := flow.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrFlowTerminated) {
				c.log.Error().Err(err).Msg("read control flow")
			}
			c.Close()
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(frame); err != nil {
			c.log.Warn().Err(err).Msg("bad frame on control flow")
			continue
		}
		if err := stream.SendAudio(pkt.Payload); err != nil {
			c.log.Error().Err(err).Msg("send audio to recognizer")
			c.Close()
			return
		}
	}
}

// pumpResults forwards in-grammar results. Anything outside the grammar is
// dropped; only the latest unconsumed command is kept.
func (c *SpeechCommandChannel) pumpResults(stream stt.Stream) {
	for cmd := range stream.Results() {
		text := matchGrammar(cmd.Text)
		if text == "" {
			c.log.Debug().Str("text", cmd.Text).Msg("out-of-grammar utterance dropped")
			continue
		}
		cmd.Text = text
		c.log.Info().Str("command", cmd.Text).Float64("confidence", cmd.Confidence).Msg("command recognized")
		c.push(cmd)
	}
	c.Close()
}

// push replaces any stale queued command; only the most recent one matters.
func (c *SpeechCommandChannel) push(cmd stt.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.commands <- cmd:
			return
		default:
			select {
			case <-c.commands:
			default:
			}
		}
	}
}

// Close detaches recognition from the flow. Idempotent.
func (c *SpeechCommandChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stream := c.stream
	cancel := c.cancel
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if cancel != nil {
		cancel()
	}
	close(c.commands)
	c.log.Info().Msg("recognition stopped")
}

// matchGrammar reduces an utterance to a grammar word, taking the last
// match so "go next" still navigates.
func matchGrammar(text string) string {
	matched := ""
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?")
		for _, phrase := range GrammarPhrases {
			if word == phrase {
				matched = phrase
			}
		}
	}
	return matched
}
