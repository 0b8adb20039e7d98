// Package locking owns the stage lock. The only way to become the lock holder
// is TryAcquireAndCreate; the only way to give it up is Release, from inside
// the transaction that finishes the holder.
package locking

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
	"github.com/stagehand-deploy/stagehand/deployer/internal/resolver"
	"github.com/stagehand-deploy/stagehand/deployer/internal/store"
	"github.com/stagehand-deploy/stagehand/deployer/internal/validation"
)

type Manager struct {
	store store.Store
	now   func() time.Time
	newID func() uuid.UUID
}

func NewManager(s store.Store) *Manager {
	return &Manager{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.New,
	}
}

// TryAcquireAndCreate locks the stage row, builds a candidate with build,
// validates it against the locked stage and, when valid, persists it as
// running and makes it the lock holder. Validation failures return
// *validation.ValidationError or *validation.LockError and leave no trace.
//
// With OverrideLocking the lock check is skipped and the new deployment
// takes over the lock field; the previous holder keeps running.
func (m *Manager) TryAcquireAndCreate(ctx context.Context, stageID int64, build func(d *models.Deployment)) (models.Deployment, error) {
	var created models.Deployment
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		stage, err := tx.LockStage(ctx, stageID)
		if err != nil {
			return err
		}

		candidate := models.Deployment{Branch: models.DefaultBranch}
		if build != nil {
			build(&candidate)
		}
		candidate.StageID = stage.ID
		excluded, err := models.NormalizeHostIDs(candidate.ExcludedHostIDs)
		if err != nil {
			return err
		}
		candidate.ExcludedHostIDs = excluded
		if candidate.Branch == "" {
			candidate.Branch = models.DefaultBranch
		}

		if err := validation.Validate(candidate, &stage).Err(&stage); err != nil {
			return err
		}

		if res := resolver.Resolve(stage.Roles, candidate.ExcludedHostIDs); len(res.Unmatched) > 0 {
			log.Printf("[locking] stage %d: excluded host ids %v match no role and exclude nothing", stage.ID, res.Unmatched)
		}
		if stage.Locked() && candidate.OverrideLocking {
			log.Printf("[locking] stage %d: lock held by %s overridden", stage.ID, *stage.LockedBy)
		}

		now := m.now()
		candidate.ID = m.newID()
		candidate.Status = models.StatusRunning
		candidate.CreatedAt = now
		candidate.CompletedAt = nil
		candidate.PID = nil
		candidate.Roles = append([]models.Role(nil), stage.Roles...)

		if err := tx.InsertDeployment(ctx, candidate); err != nil {
			return err
		}
		if err := tx.SetStageLock(ctx, stage.ID, candidate.ID, now); err != nil {
			return err
		}
		created = candidate
		return nil
	})
	if err != nil {
		return models.Deployment{}, err
	}
	return created, nil
}

// Release clears the lock of stageID. It needs the caller's transaction so it
// commits or rolls back together with the deployment's terminal status.
func Release(ctx context.Context, tx store.Tx, stageID int64) error {
	return tx.ClearStageLock(ctx, stageID)
}
