package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkraev/roomhop/internal/core"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// callCollector records inbound calls delivered by the platform.
type callCollector struct {
	mu    sync.Mutex
	calls []core.InboundCall
}

func (c *callCollector) handle(call core.InboundCall) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *callCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *callCollector) call(i int) core.InboundCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

func newTestPlatform(t *testing.T) (*Platform, *callCollector) {
	t.Helper()
	p := NewPlatform(Options{SampleRate: 16000}, zerolog.Nop())
	t.Cleanup(func() { _ = p.Close() })
	collector := &callCollector{}
	p.HandleInbound(collector.handle)
	return p, collector
}

func TestDialInDeliversInboundCall(t *testing.T) {
	p, collector := newTestPlatform(t)

	_, err := p.DialIn(context.Background(), "sip:alice@test")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return collector.count() == 1 }, waitFor, tick)
	call := collector.call(0)
	assert.Empty(t, call.Replaces)
	assert.Equal(t, "sip:alice@test", call.Leg.RemoteURI())
	assert.Equal(t, core.FlowActive, call.Leg.Flow().State())
}

func TestDialInWithoutHandlerHangsUp(t *testing.T) {
	p := NewPlatform(Options{}, zerolog.Nop())
	t.Cleanup(func() { _ = p.Close() })

	peer, err := p.DialIn(context.Background(), "sip:noone@test")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return peer.leg.State() == core.FlowTerminated
	}, waitFor, tick)
}

func TestBridgePumpsBothDirections(t *testing.T) {
	p, collector := newTestPlatform(t)
	ctx := context.Background()

	conf, err := p.ScheduleConference(ctx, "garden")
	require.NoError(t, err)
	roomLeg, err := conf.Dial(ctx, core.CallOptions{})
	require.NoError(t, err)
	listener, err := conf.Dial(ctx, core.CallOptions{})
	require.NoError(t, err)

	peer, err := p.DialIn(ctx, "sip:bob@test")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return collector.count() == 1 }, waitFor, tick)
	callerLeg := collector.call(0).Leg

	require.NoError(t, p.Bridge(ctx, callerLeg, roomLeg))

	// Caller audio reaches the other conference member.
	require.NoError(t, peer.Send(core.Frame{0xAA}))
	readCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	frame, err := listener.Flow().ReadFrame(readCtx)
	require.NoError(t, err)
	assert.Equal(t, core.Frame{0xAA}, frame)

	// Conference audio reaches the caller.
	require.NoError(t, listener.Flow().WriteFrame(core.Frame{0xBB}))
	select {
	case frame := <-peer.Hear():
		assert.Equal(t, core.Frame{0xBB}, frame)
	case <-time.After(waitFor):
		t.Fatal("caller never heard the conference")
	}
}

func TestRecvOnlyLegIsNotMixedIn(t *testing.T) {
	p, _ := newTestPlatform(t)
	ctx := context.Background()

	conf, err := p.ScheduleConference(ctx, "garden")
	require.NoError(t, err)
	control, err := conf.Dial(ctx, core.CallOptions{RecvOnly: true, Trusted: true})
	require.NoError(t, err)
	member, err := conf.Dial(ctx, core.CallOptions{})
	require.NoError(t, err)

	// The control leg hears members.
	require.NoError(t, member.Flow().WriteFrame(core.Frame{1}))
	readCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	frame, err := control.Flow().ReadFrame(readCtx)
	require.NoError(t, err)
	assert.Equal(t, core.Frame{1}, frame)

	// Members never hear the control leg.
	require.NoError(t, control.Flow().WriteFrame(core.Frame{2}))
	shortCtx, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	_, err = member.Flow().ReadFrame(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransferToSelfRedeliversWithToken(t *testing.T) {
	p, collector := newTestPlatform(t)
	ctx := context.Background()

	_, err := p.DialIn(ctx, "sip:carol@test")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return collector.count() == 1 }, waitFor, tick)
	first := collector.call(0).Leg

	require.NoError(t, first.TransferToSelf(ctx, "tok-42"))
	require.Eventually(t, func() bool { return collector.count() == 2 }, waitFor, tick)

	replacement := collector.call(1)
	assert.Equal(t, "tok-42", replacement.Replaces)
	assert.Equal(t, "sip:carol@test", replacement.Leg.RemoteURI())
	assert.NotEqual(t, first.ID(), replacement.Leg.ID())

	// The old leg was terminated before the replacement was announced.
	assert.Equal(t, core.FlowTerminated, first.Flow().State())
	assert.Equal(t, core.FlowActive, replacement.Leg.Flow().State())
}

func TestPeerSurvivesTransfer(t *testing.T) {
	p, collector := newTestPlatform(t)
	ctx := context.Background()

	peer, err := p.DialIn(ctx, "sip:dave@test")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return collector.count() == 1 }, waitFor, tick)
	first := collector.call(0).Leg

	require.NoError(t, first.TransferToSelf(ctx, "tok-1"))
	require.Eventually(t, func() bool { return collector.count() == 2 }, waitFor, tick)
	second := collector.call(1).Leg

	// Caller audio now lands on the replacement leg.
	require.NoError(t, peer.Send(core.Frame{7}))
	readCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	frame, err := second.Flow().ReadFrame(readCtx)
	require.NoError(t, err)
	assert.Equal(t, core.Frame{7}, frame)

	// And the replacement leg still reaches the caller.
	require.NoError(t, second.Flow().WriteFrame(core.Frame{8}))
	select {
	case frame := <-peer.Hear():
		assert.Equal(t, core.Frame{8}, frame)
	case <-time.After(waitFor):
		t.Fatal("caller deaf after transfer")
	}
}

func TestTransferAfterPeerHangupFails(t *testing.T) {
	p, collector := newTestPlatform(t)
	ctx := context.Background()

	peer, err := p.DialIn(ctx, "sip:eve@test")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return collector.count() == 1 }, waitFor, tick)
	leg := collector.call(0).Leg

	peer.Hangup()
	assert.ErrorIs(t, leg.TransferToSelf(ctx, "tok"), core.ErrFlowTerminated)
}

func TestLegHangupFiresTerminationOnce(t *testing.T) {
	p, _ := newTestPlatform(t)
	conf, err := p.ScheduleConference(context.Background(), "garden")
	require.NoError(t, err)
	leg, err := conf.Dial(context.Background(), core.CallOptions{})
	require.NoError(t, err)

	var fired int
	leg.OnTerminated(func(error) { fired++ })

	require.NoError(t, leg.Hangup())
	require.NoError(t, leg.Hangup())
	assert.Equal(t, 1, fired)

	// Late subscribers on a dead leg hear about it immediately.
	var late int
	leg.OnTerminated(func(error) { late++ })
	assert.Equal(t, 1, late)
}

func TestConferenceCloseHangsUpMembers(t *testing.T) {
	p, _ := newTestPlatform(t)
	conf, err := p.ScheduleConference(context.Background(), "garden")
	require.NoError(t, err)
	leg, err := conf.Dial(context.Background(), core.CallOptions{})
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, core.FlowTerminated, leg.Flow().State())

	_, err = conf.Dial(context.Background(), core.CallOptions{})
	assert.Error(t, err)
	_, err = p.ScheduleConference(context.Background(), "attic")
	assert.ErrorIs(t, err, ErrPlatformClosed)
}
