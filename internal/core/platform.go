// Package core holds the routing engine: room registry, room lifecycle,
// loop playback, session bridging and voice command recognition. The
// realtime transport itself is behind the Platform interfaces; adapters
// own sockets and codecs, core never touches them.
package core

import (
	"context"
	"errors"
)

// Frame is a raw media payload, an RTP packet on the wire.
type Frame []byte

type FlowState int

const (
	FlowIdle FlowState = iota
	FlowActive
	FlowTerminated
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowActive:
		return "active"
	case FlowTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerStarted
	PlayerStopped
)

func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerStarted:
		return "started"
	case PlayerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type FlowStateChange struct {
	Previous FlowState
	Current  FlowState
}

type PlayerStateChange struct {
	Previous PlayerState
	Current  PlayerState
}

var ErrFlowTerminated = errors.New("media flow terminated")

// MediaFlow is the local end of one media leg. ReadFrame receives from the
// remote side, WriteFrame sends toward it. Subscriptions return an
// unsubscribe func; adapters must fire the callback for the terminal
// transition exactly once.
type MediaFlow interface {
	State() FlowState
	OnStateChanged(fn func(FlowStateChange)) (unsubscribe func())

	// ReadFrame blocks until a frame arrives, ctx is done, or the flow
	// terminates (ErrFlowTerminated).
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(f Frame) error
}

// CallOptions configure a leg at dial time. SupportsReplaces cannot be
// added after establishment.
type CallOptions struct {
	Subject string
	// Trusted joins the conference as a trusted participant with a
	// generated identity (ambient and control legs).
	Trusted bool
	// SupportsReplaces allows the leg to later transfer to itself.
	SupportsReplaces bool
	// RecvOnly legs hear the conference but are not mixed into it.
	RecvOnly bool
}

// CallLeg is one established media leg.
type CallLeg interface {
	ID() string
	RemoteURI() string
	Flow() MediaFlow

	// OnTerminated registers a callback fired exactly once when the leg
	// reaches a terminal state. err is nil for a normal hangup.
	OnTerminated(fn func(err error)) (unsubscribe func())

	// TransferToSelf asks the platform to replace this leg; the platform
	// later re-delivers the remote party as an inbound call carrying
	// token in InboundCall.Replaces.
	TransferToSelf(ctx context.Context, token string) error

	Hangup() error
}

// Conference is a provisioned mixing context shared by every leg dialed
// into it.
type Conference interface {
	ID() string
	URI() string

	// Dial establishes a new leg into this conference.
	Dial(ctx context.Context, opts CallOptions) (CallLeg, error)
}

// Player is the platform playback engine a MediaLoopPlayer drives. It does
// not loop on its own.
type Player interface {
	SetSource(src AudioSource) error
	Start() error
	Stop()
	OnStateChanged(fn func(PlayerStateChange)) (unsubscribe func())
	AttachFlow(flow MediaFlow) error
	DetachFlow()
}

// AudioSource is an opened audio asset.
type AudioSource interface {
	// Prepare loads or buffers the asset; must be called before playback.
	Prepare(ctx context.Context) error
	Close() error
}

// InboundCall is delivered once per new or replacement call.
type InboundCall struct {
	Leg CallLeg
	// Replaces carries the correlation token of the session this call
	// replaces; empty for fresh calls.
	Replaces string
}

type InboundHandler func(call InboundCall)

// Platform is the realtime transport collaborator. Implementations own all
// signaling and media transport details.
type Platform interface {
	ScheduleConference(ctx context.Context, subject string) (Conference, error)

	// Bridge pairs a caller leg with a room leg so audio flows between
	// them. One operation, one result; on error neither leg is bridged.
	Bridge(ctx context.Context, caller, room CallLeg) error

	// HandleInbound registers the single handler for inbound calls.
	HandleInbound(h InboundHandler)

	NewPlayer() Player
	NewFileSource(path string) (AudioSource, error)

	Close() error
}
