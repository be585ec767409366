package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mkraev/roomhop/internal/stt"
)

var (
	ErrEstablishFailed = errors.New("bridge establish failed")
	ErrBridgeFinalized = errors.New("bridge already finalized")
)

// SessionBridge pairs a caller's inbound leg with a fresh leg into a
// room's conference. The caller leg is borrowed from the platform; the room
// leg and the control leg are owned by the bridge.
//
// At most one bridge is ever live per session. Establish must fully
// complete before TriggerSelfTransfer or Close; the coordinator runs those
// steps sequentially per session.
type SessionBridge struct {
	platform Platform
	rec      stt.Recognizer
	caller   CallLeg
	room     *Room
	token    string
	sttCfg   stt.StreamConfig
	log      zerolog.Logger

	onCommand    func(stt.Command)
	onTerminated func(err error)

	mu      sync.Mutex
	roomLeg CallLeg
	control CallLeg
	speech  *SpeechCommandChannel
	unsubs  []func()

	established atomic.Bool
	finalized   atomic.Bool
	termOnce    sync.Once
}

// NewSessionBridge wires the command callback up front; it may be nil.
func NewSessionBridge(
	platform Platform,
	rec stt.Recognizer,
	caller CallLeg,
	room *Room,
	token string,
	sttCfg stt.StreamConfig,
	onCommand func(stt.Command),
	logger zerolog.Logger,
) *SessionBridge {
	return &SessionBridge{
		platform:  platform,
		rec:       rec,
		caller:    caller,
		room:      room,
		token:     token,
		sttCfg:    sttCfg,
		onCommand: onCommand,
		log: logger.With().
			Str("module", "core.bridge").
			Str("token", token).
			Str("room", string(room.Meta().Name)).
			Logger(),
	}
}

// SetOnTerminated registers the exactly-once termination callback. Must be
// called before Establish.
func (b *SessionBridge) SetOnTerminated(fn func(err error)) {
	b.onTerminated = fn
}

func (b *SessionBridge) Token() string { return b.token }

func (b *SessionBridge) Room() *Room { return b.room }

// Establish dials the room leg (with self-transfer capability, which must
// be requested at dial time), bridges it with the caller leg, then opens
// the control leg best-effort. On failure nothing stays bridged and the
// caller leg is released back to the platform.
func (b *SessionBridge) Establish(ctx context.Context) error {
	if b.finalized.Load() {
		return ErrBridgeFinalized
	}

	conf, err := b.room.Conference()
	if err != nil {
		b.releaseCaller()
		b.fireTerminated(err)
		return fmt.Errorf("%w: %v", ErrEstablishFailed, err)
	}

	roomLeg, err := conf.Dial(ctx, CallOptions{
		Subject:          string(b.room.Meta().Name),
		SupportsReplaces: true,
	})
	if err != nil {
		b.releaseCaller()
		b.fireTerminated(err)
		return fmt.Errorf("%w: dial room leg: %v", ErrEstablishFailed, err)
	}

	if err := b.platform.Bridge(ctx, b.caller, roomLeg); err != nil {
		_ = roomLeg.Hangup()
		b.releaseCaller()
		b.fireTerminated(err)
		return fmt.Errorf("%w: %v", ErrEstablishFailed, err)
	}

	b.mu.Lock()
	b.roomLeg = roomLeg
	b.unsubs = append(b.unsubs,
		b.caller.OnTerminated(func(err error) { b.legTerminated("caller", err) }),
		roomLeg.OnTerminated(func(err error) { b.legTerminated("room", err) }),
	)
	b.mu.Unlock()
	b.established.Store(true)
	b.log.Info().Str("caller", b.caller.RemoteURI()).Msg("bridge established")

	// Control leg failure only disables voice navigation; the bridge
	// itself stays up.
	if err := b.openControl(ctx, conf); err != nil {
		b.log.Error().Err(err).Msg("control leg unavailable, voice navigation disabled")
	}
	return nil
}

func (b *SessionBridge) openControl(ctx context.Context, conf Conference) error {
	control, err := conf.Dial(ctx, CallOptions{
		Subject:  string(b.room.Meta().Name),
		Trusted:  true,
		RecvOnly: true,
	})
	if err != nil {
		return fmt.Errorf("dial control leg: %w", err)
	}

	speech := NewSpeechCommandChannel(b.rec, control, b.sttCfg, b.log)

	b.mu.Lock()
	if b.finalized.Load() {
		b.mu.Unlock()
		_ = control.Hangup()
		return nil
	}
	b.control = control
	b.speech = speech
	b.mu.Unlock()

	speech.Start(ctx)
	go func() {
		for cmd := range speech.Commands() {
			if b.finalized.Load() {
				return
			}
			if b.onCommand != nil {
				b.onCommand(cmd)
			}
		}
	}()
	return nil
}

// TriggerSelfTransfer asks the platform to replace the caller leg with
// itself. Fire-and-forget: the room switch happens when the replacement
// inbound call arrives, not here. A failed transfer leaves the session in
// its current room.
func (b *SessionBridge) TriggerSelfTransfer(ctx context.Context) error {
	if b.finalized.Load() {
		return ErrBridgeFinalized
	}
	if !b.established.Load() {
		return fmt.Errorf("bridge not established")
	}
	if err := b.caller.TransferToSelf(ctx, b.token); err != nil {
		b.log.Error().Err(err).Msg("self transfer failed, staying in current room")
		return err
	}
	b.log.Info().Msg("self transfer requested")
	return nil
}

// Terminated reports whether the bridge has signaled termination.
func (b *SessionBridge) Terminated() bool { return b.finalized.Load() }

// Close tears down the owned legs and fires the termination notification
// if it has not fired yet. The borrowed caller leg is left to the platform.
func (b *SessionBridge) Close() {
	b.fireTerminated(nil)
}

func (b *SessionBridge) legTerminated(which string, err error) {
	b.log.Info().Str("leg", which).Err(err).Msg("bridge leg terminated")
	b.fireTerminated(err)
}

// fireTerminated runs teardown exactly once; afterwards the bridge is
// inert and every operation returns ErrBridgeFinalized.
func (b *SessionBridge) fireTerminated(cause error) {
	b.termOnce.Do(func() {
		b.finalized.Store(true)

		b.mu.Lock()
		unsubs := b.unsubs
		b.unsubs = nil
		speech := b.speech
		control := b.control
		roomLeg := b.roomLeg
		b.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		if speech != nil {
			speech.Close()
		}
		if control != nil {
			_ = control.Hangup()
		}
		if roomLeg != nil {
			_ = roomLeg.Hangup()
		}

		b.log.Info().Err(cause).Msg("bridge terminated")
		if b.onTerminated != nil {
			b.onTerminated(cause)
		}
	})
}

func (b *SessionBridge) releaseCaller() {
	if err := b.caller.Hangup(); err != nil {
		b.log.Warn().Err(err).Msg("release caller leg")
	}
}
