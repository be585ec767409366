package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/mkraev/roomhop/internal/domain"
)

// Room lifecycle states.
const (
	RoomUnprovisioned = "unprovisioned"
	RoomProvisioning  = "provisioning"
	RoomActive        = "active"
	RoomFaulted       = "faulted"
	RoomTerminated    = "terminated"
)

// RoomInfo is a read-only view for the ops API.
type RoomInfo struct {
	ID    domain.RoomID   `json:"id"`
	Name  domain.RoomName `json:"name"`
	State string          `json:"state"`
}

// Room owns a provisioned conference and the looping ambient track played
// into it. A room is shared by every session currently routed to it and
// lives until process shutdown; it is never owned by a session.
type Room struct {
	meta     *domain.Room
	platform Platform
	log      zerolog.Logger

	mu      sync.Mutex
	states  *fsm.FSM
	conf    Conference
	ambient CallLeg
	player  *MediaLoopPlayer
	unsubs  []func()
}

func NewRoom(meta *domain.Room, platform Platform, logger zerolog.Logger) *Room {
	return &Room{
		meta:     meta,
		platform: platform,
		log:      logger.With().Str("module", "core.room").Str("room", string(meta.Name)).Logger(),
		states: fsm.NewFSM(
			RoomUnprovisioned,
			fsm.Events{
				{Name: "provision", Src: []string{RoomUnprovisioned}, Dst: RoomProvisioning},
				{Name: "activate", Src: []string{RoomProvisioning}, Dst: RoomActive},
				{Name: "fault", Src: []string{RoomProvisioning, RoomActive}, Dst: RoomFaulted},
				{Name: "terminate", Src: []string{RoomUnprovisioned, RoomProvisioning, RoomActive, RoomFaulted}, Dst: RoomTerminated},
			},
			nil,
		),
	}
}

func (r *Room) Meta() *domain.Room { return r.meta }

func (r *Room) ID() domain.RoomID { return r.meta.ID }

func (r *Room) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states.Current()
}

func (r *Room) Info() RoomInfo {
	return RoomInfo{ID: r.meta.ID, Name: r.meta.Name, State: r.State()}
}

// Conference exposes the mixing context once the room is active, used by
// bridges to dial additional legs into the same conference.
func (r *Room) Conference() (Conference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.states.Is(RoomActive) {
		return nil, fmt.Errorf("room %q is %s, not active", r.meta.Name, r.states.Current())
	}
	return r.conf, nil
}

// Provision schedules the conference, joins it as the ambient trusted
// participant and starts the looping track. Run once per room, typically
// from its own goroutine at startup; rooms provision independently and may
// complete in any order. On failure the room is Faulted and stays that way;
// other rooms are unaffected.
func (r *Room) Provision(ctx context.Context) error {
	r.mu.Lock()
	if err := r.states.Event(ctx, "provision"); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("room %q: %w", r.meta.Name, err)
	}
	r.mu.Unlock()

	conf, err := r.platform.ScheduleConference(ctx, string(r.meta.Name))
	if err != nil {
		return r.fault(ctx, fmt.Errorf("schedule conference: %w", err))
	}
	r.log.Info().Str("conference", conf.ID()).Msg("conference scheduled, starting music")

	ambient, err := conf.Dial(ctx, CallOptions{
		Subject: string(r.meta.Name),
		Trusted: true,
	})
	if err != nil {
		return r.fault(ctx, fmt.Errorf("establish ambient leg: %w", err))
	}

	player := NewMediaLoopPlayer(r.platform.NewPlayer(), r.platform.NewFileSource, r.meta.AudioAsset, r.log)

	flow := ambient.Flow()
	unsubFlow := flow.OnStateChanged(func(change FlowStateChange) {
		r.log.Info().
			Str("previous", change.Previous.String()).
			Str("state", change.Current.String()).
			Msg("ambient flow state changed")
		switch change.Current {
		case FlowActive:
			if err := player.AttachFlow(context.Background(), flow); err != nil {
				r.log.Error().Err(err).Msg("attach loop player")
			}
		case FlowTerminated:
			player.DetachFlow()
		}
	})

	r.mu.Lock()
	r.conf = conf
	r.ambient = ambient
	r.player = player
	r.unsubs = append(r.unsubs, unsubFlow)
	err = r.states.Event(ctx, "activate")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("room %q: %w", r.meta.Name, err)
	}

	// The flow may have gone active before the subscription above.
	if flow.State() == FlowActive {
		if err := player.AttachFlow(ctx, flow); err != nil {
			r.log.Error().Err(err).Msg("attach loop player")
		}
	}

	r.log.Info().Str("conference", conf.URI()).Msg("room active")
	return nil
}

func (r *Room) fault(ctx context.Context, cause error) error {
	r.mu.Lock()
	_ = r.states.Event(ctx, "fault")
	r.mu.Unlock()
	r.log.Error().Err(cause).Msg("room faulted")
	return fmt.Errorf("room %q: %w", r.meta.Name, cause)
}

// Close tears the room down at process shutdown.
func (r *Room) Close() {
	r.mu.Lock()
	if r.states.Is(RoomTerminated) {
		r.mu.Unlock()
		return
	}
	_ = r.states.Event(context.Background(), "terminate")
	unsubs := r.unsubs
	r.unsubs = nil
	player := r.player
	ambient := r.ambient
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if player != nil {
		player.DetachFlow()
	}
	if ambient != nil {
		_ = ambient.Hangup()
	}
	r.log.Info().Msg("room terminated")
}
