package cancel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-deploy/stagehand/deployer/internal/lifecycle"
	"github.com/stagehand-deploy/stagehand/deployer/internal/locking"
	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/store"
)

type fakeSignaler struct {
	mu           sync.Mutex
	calls        []string
	interruptErr error
	killErr      error
	onInterrupt  func()
}

func (f *fakeSignaler) Interrupt(pid int) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("INT %d", pid))
	f.mu.Unlock()
	if f.onInterrupt != nil {
		f.onInterrupt()
	}
	return f.interruptErr
}

func (f *fakeSignaler) Kill(pid int) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("KILL %d", pid))
	f.mu.Unlock()
	return f.killErr
}

type fixture struct {
	store   *store.MemoryStore
	machine *lifecycle.Machine
	sig     *fakeSignaler
	ctl     *Controller
	stageID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	st, err := s.CreateStage(ctx, store.StageInput{ProjectName: "shop", Name: "staging"})
	require.NoError(t, err)
	h, err := s.CreateHost(ctx, store.HostInput{Name: "h1"})
	require.NoError(t, err)
	_, err = s.AddRole(ctx, store.RoleInput{StageID: st.ID, Name: "app", HostID: h.ID})
	require.NoError(t, err)

	m := lifecycle.NewMachine(s, nil)
	sig := &fakeSignaler{}
	ctl := NewController(s, m, sig)
	ctl.Grace = 30 * time.Millisecond
	ctl.Logger = log.New(io.Discard, "", 0)
	return &fixture{store: s, machine: m, sig: sig, ctl: ctl, stageID: st.ID}
}

func (f *fixture) running(t *testing.T, pid *int) models.Deployment {
	t.Helper()
	d, err := locking.NewManager(f.store).TryAcquireAndCreate(context.Background(), f.stageID, func(d *models.Deployment) {
		d.Task = "deploy"
		d.Initiator = "alice"
	})
	require.NoError(t, err)
	if pid != nil {
		require.NoError(t, f.store.SetDeploymentPID(context.Background(), d.ID, *pid))
	}
	return d
}

func pid(v int) *int { return &v }

func TestCancelRequiresProcess(t *testing.T) {
	f := newFixture(t)
	d := f.running(t, nil)

	_, err := f.ctl.Cancel(context.Background(), d.ID)
	var cErr *CancellationError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, ReasonNoProcess, cErr.Reason)
	assert.Empty(t, f.sig.calls)
}

func TestCancelRejectsCompletedDeployment(t *testing.T) {
	f := newFixture(t)
	d := f.running(t, pid(100))
	_, err := f.machine.Complete(context.Background(), d, models.StatusSuccess)
	require.NoError(t, err)

	_, err = f.ctl.Cancel(context.Background(), d.ID)
	var cErr *CancellationError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, ReasonAlreadyCompleted, cErr.Reason)
	assert.Empty(t, f.sig.calls)
}

func TestCancelInterruptsWaitsKillsAndCompletes(t *testing.T) {
	f := newFixture(t)
	d := f.running(t, pid(4321))

	start := time.Now()
	done, err := f.ctl.Cancel(context.Background(), d.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), f.ctl.Grace)
	assert.Equal(t, []string{"INT 4321", "KILL 4321"}, f.sig.calls)
	assert.True(t, done.Canceled())

	st, err := f.store.GetStage(context.Background(), f.stageID)
	require.NoError(t, err)
	assert.False(t, st.Locked())
}

func TestCancelToleratesExitedProcess(t *testing.T) {
	f := newFixture(t)
	f.sig.interruptErr = fmt.Errorf("signal interrupt: %w", syscall.ESRCH)
	f.sig.killErr = syscall.ESRCH
	d := f.running(t, pid(55))

	done, err := f.ctl.Cancel(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, done.Canceled())
}

func TestCancelFailsWhenInterruptIsRefused(t *testing.T) {
	f := newFixture(t)
	f.sig.interruptErr = syscall.EPERM
	d := f.running(t, pid(55))

	_, err := f.ctl.Cancel(context.Background(), d.ID)
	assert.ErrorIs(t, err, syscall.EPERM)

	stored, err := f.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, stored.Running())
}

func TestCancelEscalatesWhenContextEnds(t *testing.T) {
	f := newFixture(t)
	f.ctl.Grace = 10 * time.Second
	d := f.running(t, pid(77))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	done, err := f.ctl.Cancel(ctx, d.ID)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"INT 77", "KILL 77"}, f.sig.calls)
	assert.True(t, done.Canceled())
}

func TestCancelLosesRaceWithOwnCompletion(t *testing.T) {
	f := newFixture(t)
	d := f.running(t, pid(88))
	f.sig.onInterrupt = func() {
		_, err := f.machine.CompleteByID(context.Background(), d.ID, models.StatusSuccess)
		require.NoError(t, err)
	}

	_, err := f.ctl.Cancel(context.Background(), d.ID)
	var cErr *CancellationError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, ReasonCompletedFirst, cErr.Reason)

	stored, err := f.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, stored.Success())
}

func TestUnixSignalerRejectsInvalidPID(t *testing.T) {
	assert.Error(t, UnixSignaler{}.Interrupt(0))
	assert.Error(t, UnixSignaler{}.Kill(-3))
}

func TestWorkerRunsQueuedCancellations(t *testing.T) {
	f := newFixture(t)
	d := f.running(t, pid(99))

	results := make(chan error, 1)
	w := NewWorker(f.ctl, 1, 4)
	w.OnResult = func(id uuid.UUID, _ models.Deployment, err error) {
		assert.Equal(t, d.ID, id)
		results <- err
	}
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, w.Submit(d.ID))
	select {
	case err := <-results:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not run")
	}

	stored, err := f.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, stored.Canceled())
}

func TestWorkerQueueBounds(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.ctl, 1, 1)

	require.NoError(t, w.Submit(uuid.New()))
	assert.ErrorIs(t, w.Submit(uuid.New()), ErrQueueFull)

	w.Stop()
	assert.ErrorIs(t, w.Submit(uuid.New()), ErrWorkerStopped)
}
