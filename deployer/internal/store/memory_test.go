package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

func seedStage(t *testing.T, m *MemoryStore) models.Stage {
	t.Helper()
	ctx := context.Background()
	st, err := m.CreateStage(ctx, StageInput{ProjectName: "shop", Name: "production"})
	require.NoError(t, err)
	h, err := m.CreateHost(ctx, HostInput{Name: "app1"})
	require.NoError(t, err)
	_, err = m.AddRole(ctx, RoleInput{StageID: st.ID, Name: "app", HostID: h.ID})
	require.NoError(t, err)
	st, err = m.GetStage(ctx, st.ID)
	require.NoError(t, err)
	return st
}

func TestMemoryStoreCommitsBufferedWrites(t *testing.T) {
	m := NewMemoryStore()
	st := seedStage(t, m)
	require.True(t, st.Roles[0].Precheck)
	id := uuid.New()
	now := time.Now().UTC()

	err := m.WithTx(context.Background(), func(tx Tx) error {
		locked, err := tx.LockStage(context.Background(), st.ID)
		if err != nil {
			return err
		}
		d := models.Deployment{ID: id, StageID: st.ID, Task: "deploy", Initiator: "alice", Status: models.StatusRunning, Roles: locked.Roles, CreatedAt: now}
		if err := tx.InsertDeployment(context.Background(), d); err != nil {
			return err
		}
		return tx.SetStageLock(context.Background(), st.ID, id, now)
	})
	require.NoError(t, err)

	st, err = m.GetStage(context.Background(), st.ID)
	require.NoError(t, err)
	require.NotNil(t, st.LockedBy)
	assert.Equal(t, id, *st.LockedBy)

	d, err := m.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, d.Roles, 1)
	assert.True(t, d.Running())
}

func TestMemoryStoreDiscardsWritesOnError(t *testing.T) {
	m := NewMemoryStore()
	st := seedStage(t, m)
	boom := errors.New("boom")

	err := m.WithTx(context.Background(), func(tx Tx) error {
		if err := tx.SetStageLock(context.Background(), st.ID, uuid.New(), time.Now()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	st, err = m.GetStage(context.Background(), st.ID)
	require.NoError(t, err)
	assert.False(t, st.Locked())
}

func TestMemoryStoreFinishOnlyOnce(t *testing.T) {
	m := NewMemoryStore()
	st := seedStage(t, m)
	id := uuid.New()

	require.NoError(t, m.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertDeployment(context.Background(), models.Deployment{ID: id, StageID: st.ID, Status: models.StatusRunning, CreatedAt: time.Now()})
	}))
	finish := func() error {
		return m.WithTx(context.Background(), func(tx Tx) error {
			return tx.FinishDeployment(context.Background(), id, models.StatusFailed, time.Now())
		})
	}
	require.NoError(t, finish())
	assert.ErrorIs(t, finish(), ErrNotFound)
}

func TestMemoryStoreConfigurationUpsert(t *testing.T) {
	m := NewMemoryStore()
	st := seedStage(t, m)
	ctx := context.Background()

	_, err := m.SetConfigParameter(ctx, ParameterInput{StageID: st.ID, Name: "password", Prompt: true})
	require.NoError(t, err)
	_, err = m.SetConfigParameter(ctx, ParameterInput{StageID: st.ID, Name: "password", Value: "x"})
	require.NoError(t, err)

	st, err = m.GetStage(ctx, st.ID)
	require.NoError(t, err)
	require.Len(t, st.Configuration, 1)
	assert.False(t, st.Configuration[0].Prompt)
	assert.Equal(t, "x", st.Configuration[0].Value)
}

func TestMemoryStoreListDeployments(t *testing.T) {
	m := NewMemoryStore()
	st := seedStage(t, m)
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		d := models.Deployment{ID: uuid.New(), StageID: st.ID, Status: models.StatusRunning, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, m.WithTx(context.Background(), func(tx Tx) error {
			return tx.InsertDeployment(context.Background(), d)
		}))
	}

	out, err := m.ListDeployments(context.Background(), ListDeploymentsFilter{StageID: st.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].CreatedAt.After(out[1].CreatedAt))

	out, err = m.ListDeployments(context.Background(), ListDeploymentsFilter{Status: models.StatusSuccess})
	require.NoError(t, err)
	assert.Empty(t, out)
}
