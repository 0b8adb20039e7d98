package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-deploy/stagehand/deployer/internal/locking"
	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/notify"
	"github.com/stagehand-deploy/stagehand/deployer/internal/resolver"
	"github.com/stagehand-deploy/stagehand/deployer/internal/store"
	"github.com/stagehand-deploy/stagehand/deployer/internal/validation"
)

type recorder struct {
	events []notify.Event
	err    error
}

func (r *recorder) Notify(ctx context.Context, ev notify.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

type fixture struct {
	store   *store.MemoryStore
	locks   *locking.Manager
	machine *Machine
	events  *recorder
	stage   models.Stage
	h1, h2  models.Host
	r1, r2  models.Role
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	st, err := s.CreateStage(ctx, store.StageInput{ProjectName: "shop", Name: "production"})
	require.NoError(t, err)
	h1, err := s.CreateHost(ctx, store.HostInput{Name: "h1"})
	require.NoError(t, err)
	h2, err := s.CreateHost(ctx, store.HostInput{Name: "h2"})
	require.NoError(t, err)
	r1, err := s.AddRole(ctx, store.RoleInput{StageID: st.ID, Name: "r1", HostID: h1.ID})
	require.NoError(t, err)
	r2, err := s.AddRole(ctx, store.RoleInput{StageID: st.ID, Name: "r2", HostID: h2.ID})
	require.NoError(t, err)
	rec := &recorder{}
	return &fixture{
		store:   s,
		locks:   locking.NewManager(s),
		machine: NewMachine(s, rec),
		events:  rec,
		stage:   st,
		h1:      h1,
		h2:      h2,
		r1:      r1,
		r2:      r2,
	}
}

func (f *fixture) acquire(t *testing.T, excluded ...int64) models.Deployment {
	t.Helper()
	d, err := f.locks.TryAcquireAndCreate(context.Background(), f.stage.ID, func(d *models.Deployment) {
		d.Task = "deploy"
		d.Initiator = "alice"
		d.ExcludedHostIDs = excluded
	})
	require.NoError(t, err)
	return d
}

// assertCoupled checks that the stage is locked exactly when one running
// deployment references it.
func (f *fixture) assertCoupled(t *testing.T) {
	t.Helper()
	st, err := f.store.GetStage(context.Background(), f.stage.ID)
	require.NoError(t, err)
	running, err := f.store.ListDeployments(context.Background(), store.ListDeploymentsFilter{StageID: f.stage.ID, Status: models.StatusRunning})
	require.NoError(t, err)
	if st.Locked() {
		require.Len(t, running, 1)
		assert.Equal(t, running[0].ID, *st.LockedBy)
	} else {
		assert.Empty(t, running)
	}
}

func TestCompleteReleasesStage(t *testing.T) {
	for _, outcome := range []models.Status{models.StatusSuccess, models.StatusFailed, models.StatusCanceled} {
		t.Run(string(outcome), func(t *testing.T) {
			f := newFixture(t)
			d := f.acquire(t)
			f.assertCoupled(t)

			done, err := f.machine.Complete(context.Background(), d, outcome)
			require.NoError(t, err)
			assert.Equal(t, outcome, done.Status)
			assert.True(t, done.Completed())
			f.assertCoupled(t)

			st, err := f.store.GetStage(context.Background(), f.stage.ID)
			require.NoError(t, err)
			assert.False(t, st.Locked())

			require.Len(t, f.events.events, 1)
			assert.Equal(t, notify.EventCompleted, f.events.events[0].Type)
			assert.Equal(t, outcome, f.events.events[0].Outcome)
		})
	}
}

func TestDoubleCompletionIsRejected(t *testing.T) {
	f := newFixture(t)
	d := f.acquire(t)

	first, err := f.machine.Complete(context.Background(), d, models.StatusSuccess)
	require.NoError(t, err)

	// d is the stale running copy, so only the row lock catches the repeat.
	_, err = f.machine.Complete(context.Background(), d, models.StatusFailed)
	var dErr *DoubleCompletionError
	require.True(t, errors.As(err, &dErr))
	assert.Equal(t, models.StatusSuccess, dErr.Status)

	_, err = f.machine.Complete(context.Background(), first, models.StatusFailed)
	require.True(t, errors.As(err, &dErr))

	stored, err := f.store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.Equal(t, first.CompletedAt.UnixNano(), stored.CompletedAt.UnixNano())
	assert.Len(t, f.events.events, 1)
}

func TestCompleteRejectsNonTerminalOutcome(t *testing.T) {
	f := newFixture(t)
	d := f.acquire(t)

	_, err := f.machine.Complete(context.Background(), d, models.StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidOutcome)
	f.assertCoupled(t)
}

func TestNotifierFailureDoesNotFailCompletion(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("chat down")
	d := f.acquire(t)
	var logs bytes.Buffer
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	done, err := f.machine.Complete(context.Background(), d, models.StatusSuccess)
	require.NoError(t, err)
	assert.True(t, done.Success())
	f.assertCoupled(t)
	assert.Contains(t, logs.String(), "[lifecycle] deployment "+d.ID.String()+": completed event not delivered: chat down")
}

func TestCompleteDoesNotWaitForHangingNotifier(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	hanging := notify.NotifierFunc(func(ctx context.Context, ev notify.Event) error {
		<-release
		return nil
	})
	q := notify.NewQueue(hanging, 1, 4)
	f.machine = NewMachine(f.store, q)
	d := f.acquire(t)

	start := time.Now()
	done, err := f.machine.Complete(context.Background(), d, models.StatusSuccess)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, done.Success())
	f.assertCoupled(t)

	close(release)
	q.Close()
}

func TestCompleteByID(t *testing.T) {
	f := newFixture(t)
	d := f.acquire(t)

	done, err := f.machine.CompleteByID(context.Background(), d.ID, models.StatusFailed)
	require.NoError(t, err)
	assert.True(t, done.Failed())
	assert.Len(t, done.Roles, 2)
}

func TestExcludedHostScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.acquire(t, f.h1.ID)
	res := resolver.Resolve(d.Roles, d.ExcludedHostIDs)
	require.Len(t, res.Hosts, 1)
	assert.Equal(t, f.h2.ID, res.Hosts[0].ID)
	require.Len(t, res.Roles, 1)
	assert.Equal(t, f.r2.ID, res.Roles[0].ID)

	st, err := f.store.GetStage(ctx, f.stage.ID)
	require.NoError(t, err)
	require.NotNil(t, st.LockedBy)
	assert.Equal(t, d.ID, *st.LockedBy)

	_, err = f.locks.TryAcquireAndCreate(ctx, f.stage.ID, func(c *models.Deployment) {
		c.Task = "deploy"
		c.Initiator = "bob"
	})
	var lockErr *validation.LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, d.ID, lockErr.HeldBy)

	before := time.Now().UTC()
	done, err := f.machine.Complete(ctx, d, models.StatusSuccess)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(before))

	st, err = f.store.GetStage(ctx, f.stage.ID)
	require.NoError(t, err)
	assert.False(t, st.Locked())
	f.assertCoupled(t)
}
