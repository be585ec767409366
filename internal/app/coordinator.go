// Package app orchestrates sessions across rooms: assignment of fresh
// callers, voice-command driven transfers and teardown. It owns the only
// lock-guarded shared collection in the engine, the live-session map.
package app

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkraev/roomhop/internal/core"
	"github.com/mkraev/roomhop/internal/domain"
	"github.com/mkraev/roomhop/internal/stt"
)

// Coordinator is the transfer coordinator. It consumes inbound calls from
// the platform, commands from speech channels and termination signals from
// bridges, and re-homes sessions between rooms.
type Coordinator struct {
	ctx      context.Context
	registry *core.RoomRegistry
	platform core.Platform
	rec      stt.Recognizer
	sttCfg   stt.StreamConfig
	metrics  *Metrics
	log      zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewCoordinator(
	ctx context.Context,
	registry *core.RoomRegistry,
	platform core.Platform,
	rec stt.Recognizer,
	sttCfg stt.StreamConfig,
	metrics *Metrics,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		ctx:      ctx,
		registry: registry,
		platform: platform,
		rec:      rec,
		sttCfg:   sttCfg,
		metrics:  metrics,
		log:      logger.With().Str("module", "app.coordinator").Logger(),
		sessions: make(map[string]*Session),
	}
}

// OnInboundCall is the platform inbound handler. The platform delivers
// each call on its own goroutine; per-session ordering is enforced here,
// cross-session calls proceed concurrently.
func (c *Coordinator) OnInboundCall(call core.InboundCall) {
	c.log.Info().
		Str("caller", call.Leg.RemoteURI()).
		Bool("replacement", call.Replaces != "").
		Msg("inbound call")

	if call.Replaces == "" {
		c.handleNew(call.Leg)
		return
	}
	c.handleReplacement(call)
}

// handleNew assigns a random room and bridges the caller into it.
func (c *Coordinator) handleNew(leg core.CallLeg) {
	c.metrics.InboundCalls.WithLabelValues("new").Inc()

	room := c.registry.PickRandom()
	sess := newSession(uuid.NewString())

	c.mu.Lock()
	c.sessions[sess.Token] = sess
	c.mu.Unlock()
	c.metrics.ActiveSessions.Inc()

	sess.mu.Lock()
	_ = sess.states.Event(c.ctx, "assign")
	sess.mu.Unlock()

	c.establish(sess, leg, room)
}

// handleReplacement correlates a self-transferred caller back to its
// session and re-homes it to the adjacent room.
func (c *Coordinator) handleReplacement(call core.InboundCall) {
	c.mu.RLock()
	sess, ok := c.sessions[call.Replaces]
	c.mu.RUnlock()
	if !ok {
		// Unexpected platform event; drop it rather than crash.
		c.log.Warn().Str("token", call.Replaces).Msg("replacement for unknown session, dropping")
		_ = call.Leg.Hangup()
		return
	}
	c.metrics.InboundCalls.WithLabelValues("replacement").Inc()

	sess.mu.Lock()
	oldBridge := sess.bridge
	oldRoom := sess.room
	dir := sess.direction
	_ = sess.states.Event(c.ctx, "rebridge")
	// Detach the old bridge from the session before closing it so its
	// termination signal is recognized as stale.
	sess.bridge = nil
	sess.mu.Unlock()

	newRoom := c.registry.Adjacent(int(oldRoom.ID()), dir)

	// The prior bridge must have signaled termination before a new one
	// exists; Close is synchronous and idempotent (the platform usually
	// already tore the replaced leg down).
	if oldBridge != nil {
		oldBridge.Close()
	}

	c.log.Info().
		Str("token", sess.Token).
		Str("from", string(oldRoom.Meta().Name)).
		Str("to", string(newRoom.Meta().Name)).
		Str("direction", dir.String()).
		Msg("re-homing session")

	if c.establish(sess, call.Leg, newRoom) {
		c.metrics.Transfers.WithLabelValues(dir.String()).Inc()
	}
}

// establish runs the bridge build for one session. It reports success; on
// failure the session is discarded and the caller leg released.
func (c *Coordinator) establish(sess *Session, leg core.CallLeg, room *core.Room) bool {
	bridge := core.NewSessionBridge(
		c.platform, c.rec, leg, room, sess.Token, c.sttCfg,
		func(cmd stt.Command) { c.onCommand(sess, cmd) },
		c.log,
	)
	bridge.SetOnTerminated(func(err error) { c.onBridgeTerminated(sess, bridge) })

	sess.mu.Lock()
	sess.bridge = bridge
	sess.room = room
	sess.mu.Unlock()

	if err := bridge.Establish(c.ctx); err != nil {
		c.log.Error().Err(err).Str("token", sess.Token).Str("room", string(room.Meta().Name)).Msg("bridge establish failed")
		c.metrics.BridgeFailures.Inc()
		c.removeSession(sess)
		return false
	}

	sess.mu.Lock()
	_ = sess.states.Event(c.ctx, "bridged")
	sess.mu.Unlock()
	c.log.Info().Str("token", sess.Token).Str("room", string(room.Meta().Name)).Msg("session in room")
	return true
}

// onCommand stores the transfer direction and triggers the self-transfer.
// The room does not change here; that happens when the platform delivers
// the replacement call.
func (c *Coordinator) onCommand(sess *Session, cmd stt.Command) {
	dir, ok := domain.ParseDirection(cmd.Text)
	if !ok {
		return
	}
	c.metrics.Commands.WithLabelValues(dir.String()).Inc()

	sess.mu.Lock()
	if !sess.states.Is(SessionInRoom) {
		state := sess.states.Current()
		sess.mu.Unlock()
		c.log.Warn().Str("token", sess.Token).Str("state", state).Str("command", cmd.Text).Msg("command ignored in current state")
		return
	}
	sess.direction = dir
	bridge := sess.bridge
	_ = sess.states.Event(c.ctx, "transfer")
	sess.mu.Unlock()

	c.log.Info().Str("token", sess.Token).Str("direction", dir.String()).Float64("confidence", cmd.Confidence).Msg("navigation command")

	if err := bridge.TriggerSelfTransfer(c.ctx); err != nil {
		// Best-effort re-home: the caller silently stays put.
		sess.mu.Lock()
		_ = sess.states.Event(c.ctx, "stay")
		sess.mu.Unlock()
	}
}

// onBridgeTerminated handles the exactly-once termination signal of one
// bridge. A signal from a bridge the session no longer owns is stale; a
// signal during a transfer means the platform replaced the caller leg and
// the session must survive until the replacement call arrives.
func (c *Coordinator) onBridgeTerminated(sess *Session, bridge *core.SessionBridge) {
	sess.mu.Lock()
	current := sess.bridge == bridge
	transferring := sess.states.Is(SessionTransferring)
	sess.mu.Unlock()

	if !current {
		return
	}
	if transferring {
		c.log.Info().Str("token", sess.Token).Msg("bridge released for transfer, awaiting replacement")
		return
	}

	c.log.Info().Str("token", sess.Token).Msg("bridge terminated, session over")
	c.removeSession(sess)
}

func (c *Coordinator) removeSession(sess *Session) {
	sess.mu.Lock()
	if sess.removed {
		sess.mu.Unlock()
		return
	}
	sess.removed = true
	_ = sess.states.Event(c.ctx, "terminate")
	bridge := sess.bridge
	sess.mu.Unlock()

	if bridge != nil {
		bridge.Close()
	}

	c.mu.Lock()
	delete(c.sessions, sess.Token)
	c.mu.Unlock()
	c.metrics.ActiveSessions.Dec()
}

// SessionCount is the size of the live set.
func (c *Coordinator) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Snapshot returns a read-only view of live sessions for the ops API.
func (c *Coordinator) Snapshot() []SessionInfo {
	c.mu.RLock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	return out
}
