package app

import (
	"context"
	"sync/atomic"

	"github.com/mkraev/roomhop/internal/core"
)

// stubLeg is the minimum CallLeg needed to hand the coordinator a call that
// never came from the platform.
type stubLeg struct {
	hungUp atomic.Bool
}

func (l *stubLeg) ID() string        { return "stub" }
func (l *stubLeg) RemoteURI() string { return "sip:stub@test" }

func (l *stubLeg) Flow() core.MediaFlow { return stubFlow{} }

func (l *stubLeg) OnTerminated(fn func(error)) func() { return func() {} }

func (l *stubLeg) TransferToSelf(ctx context.Context, token string) error {
	return core.ErrFlowTerminated
}

func (l *stubLeg) Hangup() error {
	l.hungUp.Store(true)
	return nil
}

type stubFlow struct{}

func (stubFlow) State() core.FlowState { return core.FlowActive }

func (stubFlow) OnStateChanged(fn func(core.FlowStateChange)) func() { return func() {} }

func (stubFlow) ReadFrame(ctx context.Context) (core.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stubFlow) WriteFrame(f core.Frame) error { return nil }
