package updatemanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/updateagent/updateagent/agent/errors"
	"github.com/updateagent/updateagent/agent/internal/metrics"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/installer"
	"github.com/updateagent/updateagent/agent/internal/updatemanager/staging"
)

// cycleRecorder counts cycles and tracks how many run at the same time
type cycleRecorder struct {
	calls    atomic.Int32
	active   atomic.Int32
	overlaps atomic.Int32
	duration time.Duration
	err      error
}

func (c *cycleRecorder) run(ctx context.Context) {
	if c.active.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	defer c.active.Add(-1)
	c.calls.Add(1)

	if c.duration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(c.duration):
		}
	}
}

type fakeStager struct {
	cycleRecorder
	outcome staging.Outcome
}

func (f *fakeStager) CheckAndStage(ctx context.Context) (staging.Outcome, error) {
	f.run(ctx)
	return f.outcome, f.err
}

type fakeApplier struct {
	cycleRecorder
	outcome installer.Outcome
}

func (f *fakeApplier) TryApplyPending(ctx context.Context) (installer.Outcome, error) {
	f.run(ctx)
	return f.outcome, f.err
}

func TestManager_RunTicksBothLoops(t *testing.T) {
	stager := &fakeStager{cycleRecorder: cycleRecorder{duration: 30 * time.Millisecond}}
	applier := &fakeApplier{cycleRecorder: cycleRecorder{duration: 30 * time.Millisecond}}

	m := NewManager(Schedule{
		CheckInterval: 10 * time.Millisecond,
		ApplyInterval: 5 * time.Millisecond,
	}, stager, applier, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return stager.calls.Load() >= 3 && applier.calls.Load() >= 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Zero(t, stager.overlaps.Load(), "stage cycles must not overlap")
	assert.Zero(t, applier.overlaps.Load(), "apply cycles must not overlap")
}

func TestManager_LoopsAreIndependent(t *testing.T) {
	// a stage cycle that never finishes on its own must not hold up the apply loop
	stager := &fakeStager{cycleRecorder: cycleRecorder{duration: time.Hour}}
	applier := &fakeApplier{}

	m := NewManager(Schedule{CheckInterval: time.Millisecond, ApplyInterval: time.Millisecond}, stager, applier, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool { return applier.calls.Load() >= 5 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), stager.calls.Load())
}

func TestManager_InitialDelay(t *testing.T) {
	stager := &fakeStager{}
	applier := &fakeApplier{}

	m := NewManager(Schedule{InitialDelay: time.Hour}, stager, applier, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, m.Run(ctx))
	assert.Zero(t, stager.calls.Load())
	assert.Zero(t, applier.calls.Load())
}

func TestManager_FailuresDoNotStopLoops(t *testing.T) {
	stager := &fakeStager{cycleRecorder: cycleRecorder{err: agenterrors.Newf(agenterrors.KindNetwork, "fetch", "unreachable")}, outcome: staging.OutcomeFailed}
	applier := &fakeApplier{cycleRecorder: cycleRecorder{err: agenterrors.Newf(agenterrors.KindApply, "apply", "disk full")}, outcome: installer.OutcomeFailed}

	m := NewManager(Schedule{CheckInterval: time.Millisecond, ApplyInterval: time.Millisecond}, stager, applier, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return stager.calls.Load() >= 3 && applier.calls.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_StartStop(t *testing.T) {
	stager := &fakeStager{}
	applier := &fakeApplier{}
	m := NewManager(Schedule{CheckInterval: time.Millisecond, ApplyInterval: time.Millisecond}, stager, applier, nil, nil)

	m.Start(context.Background())
	m.Start(context.Background())

	require.Eventually(t, func() bool { return applier.calls.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	calls := applier.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, applier.calls.Load(), "no cycles after Stop")

	m.Stop()
}

func TestManager_RunOnce(t *testing.T) {
	tests := []struct {
		name        string
		stage       bool
		stageErr    error
		applyErr    error
		wantStages  int32
		wantFailure bool
		wantKind    agenterrors.Kind
	}{
		{name: "stage and apply", stage: true, wantStages: 1},
		{name: "apply only", stage: false, wantStages: 0},
		{
			name:        "stage failure still applies",
			stage:       true,
			stageErr:    agenterrors.Newf(agenterrors.KindVerification, "verify", "hash mismatch"),
			wantStages:  1,
			wantFailure: true,
			wantKind:    agenterrors.KindVerification,
		},
		{
			name:        "apply failure",
			stage:       false,
			applyErr:    agenterrors.Newf(agenterrors.KindApply, "apply", "disk full"),
			wantFailure: true,
			wantKind:    agenterrors.KindApply,
		},
		{
			name:     "cancelled is not a failure",
			stage:    false,
			applyErr: agenterrors.New(agenterrors.KindCancelled, "apply", context.Canceled),
			wantKind: agenterrors.KindCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stager := &fakeStager{cycleRecorder: cycleRecorder{err: tt.stageErr}}
			applier := &fakeApplier{cycleRecorder: cycleRecorder{err: tt.applyErr}}
			m := NewManager(Schedule{}, stager, applier, nil, nil)

			err := m.RunOnce(context.Background(), tt.stage)
			assert.Equal(t, tt.wantStages, stager.calls.Load())
			assert.Equal(t, int32(1), applier.calls.Load())
			assert.Equal(t, tt.wantFailure, agenterrors.IsFailure(err))
			if tt.stageErr != nil || tt.applyErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantKind))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManager_RecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	stager := &fakeStager{outcome: staging.OutcomeStaged}
	applier := &fakeApplier{outcome: installer.OutcomeDeferred}
	m := NewManager(Schedule{}, stager, applier, metrics.New(reg), nil)

	require.NoError(t, m.RunOnce(context.Background(), true))

	families, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]string{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" && metric.GetCounter().GetValue() == 1 {
					found[mf.GetName()] = lp.GetValue()
				}
			}
		}
	}
	assert.Equal(t, "staged", found["update_agent_stage_cycles_total"])
	assert.Equal(t, "deferred", found["update_agent_apply_attempts_total"])
}

func TestWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, wait(ctx, 0))
	assert.True(t, wait(ctx, time.Millisecond))

	var wg sync.WaitGroup
	wg.Add(1)
	var result bool
	go func() {
		defer wg.Done()
		result = wait(ctx, time.Hour)
	}()
	cancel()
	wg.Wait()
	assert.False(t, result)
	assert.False(t, wait(ctx, 0))
}
