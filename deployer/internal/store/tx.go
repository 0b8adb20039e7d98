package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockStage(ctx context.Context, id int64) (models.Stage, error) {
	return loadStage(ctx, t.tx, id, true)
}

func (t *pgTx) LockDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	d, err := scanDeployment(t.tx.QueryRowContext(ctx, selectDeployment+` WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrNotFound
		}
		return models.Deployment{}, fmt.Errorf("lock deployment: %w", err)
	}
	return d, nil
}

func (t *pgTx) InsertDeployment(ctx context.Context, d models.Deployment) error {
	const query = `
		INSERT INTO deployments (id, stage_id, task, description, branch, initiator, status,
		                         excluded_host_ids, override_locking, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	excluded := pq.Int64Array(d.ExcludedHostIDs)
	if excluded == nil {
		excluded = pq.Int64Array{}
	}
	if _, err := t.tx.ExecContext(ctx, query,
		d.ID,
		d.StageID,
		d.Task,
		d.Description,
		d.Branch,
		d.Initiator,
		string(d.Status),
		excluded,
		d.OverrideLocking,
		d.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	for _, r := range d.Roles {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO deployment_roles (deployment_id, role_id) VALUES ($1,$2)`,
			d.ID, r.ID,
		); err != nil {
			return fmt.Errorf("insert deployment role: %w", err)
		}
	}
	return nil
}

func (t *pgTx) SetStageLock(ctx context.Context, stageID int64, deploymentID uuid.UUID, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE stages SET locked_by_deployment_id=$2, locked_at=$3 WHERE id=$1`,
		stageID, deploymentID, at,
	)
	if err != nil {
		return fmt.Errorf("set stage lock: %w", err)
	}
	return requireAffected(res)
}

func (t *pgTx) ClearStageLock(ctx context.Context, stageID int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE stages SET locked_by_deployment_id=NULL, locked_at=NULL WHERE id=$1`,
		stageID,
	)
	if err != nil {
		return fmt.Errorf("clear stage lock: %w", err)
	}
	return requireAffected(res)
}

func (t *pgTx) FinishDeployment(ctx context.Context, id uuid.UUID, status models.Status, completedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE deployments SET status=$2, completed_at=$3 WHERE id=$1 AND completed_at IS NULL`,
		id, string(status), completedAt,
	)
	if err != nil {
		return fmt.Errorf("finish deployment: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
