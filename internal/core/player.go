package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// MediaLoopPlayer keeps one audio asset looping on one media flow. The
// platform Player does not loop reliably on its own, so looping is manual:
// every Started -> Stopped transition observed while the flow is still
// attached restarts playback.
//
// A player instance is exclusively owned by the flow it attaches to.
type MediaLoopPlayer struct {
	player    Player
	newSource func(path string) (AudioSource, error)
	assetPath string
	log       zerolog.Logger

	mu          sync.Mutex
	flow        MediaFlow
	source      AudioSource
	unsubPlayer func()
	attached    bool
}

func NewMediaLoopPlayer(player Player, newSource func(path string) (AudioSource, error), assetPath string, logger zerolog.Logger) *MediaLoopPlayer {
	return &MediaLoopPlayer{
		player:    player,
		newSource: newSource,
		assetPath: assetPath,
		log:       logger.With().Str("module", "core.player").Str("asset", assetPath).Logger(),
	}
}

// AttachFlow binds the playback engine to an active flow and starts
// playback. Playback failures after this point are terminal only for this
// flow's audio; they are logged, never propagated.
func (p *MediaLoopPlayer) AttachFlow(ctx context.Context, flow MediaFlow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return fmt.Errorf("player already attached")
	}

	src, err := p.newSource(p.assetPath)
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	if err := src.Prepare(ctx); err != nil {
		_ = src.Close()
		return fmt.Errorf("prepare audio source: %w", err)
	}
	if err := p.player.SetSource(src); err != nil {
		_ = src.Close()
		return fmt.Errorf("set source: %w", err)
	}
	if err := p.player.AttachFlow(flow); err != nil {
		_ = src.Close()
		return fmt.Errorf("attach flow: %w", err)
	}

	p.flow = flow
	p.source = src
	p.attached = true
	p.unsubPlayer = p.player.OnStateChanged(p.onPlayerState)

	if err := p.player.Start(); err != nil {
		p.log.Error().Err(err).Msg("initial start failed")
	} else {
		p.log.Info().Msg("playing")
	}
	return nil
}

// DetachFlow stops playback and releases the source. Source is closed
// before the flow is detached; that order avoids leaking the asset handle.
// Detaching an already-detached player is a no-op.
func (p *MediaLoopPlayer) DetachFlow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return
	}
	p.attached = false

	if p.unsubPlayer != nil {
		p.unsubPlayer()
		p.unsubPlayer = nil
	}
	p.player.Stop()
	if p.source != nil {
		_ = p.source.Close()
		p.source = nil
	}
	p.player.DetachFlow()
	p.flow = nil
	p.log.Info().Msg("detached")
}

func (p *MediaLoopPlayer) onPlayerState(change PlayerStateChange) {
	p.log.Info().
		Str("previous", change.Previous.String()).
		Str("state", change.Current.String()).
		Msg("player state changed")

	if change.Previous != PlayerStarted || change.Current != PlayerStopped {
		return
	}

	p.mu.Lock()
	attached := p.attached && p.flow != nil && p.flow.State() == FlowActive
	p.mu.Unlock()
	if !attached {
		return
	}
	if err := p.player.Start(); err != nil {
		p.log.Error().Err(err).Msg("loop restart failed")
	}
}
