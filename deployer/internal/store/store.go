package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence boundary of the controller. Stage lock changes and
// deployment status changes only happen through a Tx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateHost(ctx context.Context, in HostInput) (models.Host, error)
	CreateStage(ctx context.Context, in StageInput) (models.Stage, error)
	AddRole(ctx context.Context, in RoleInput) (models.Role, error)
	SetConfigParameter(ctx context.Context, in ParameterInput) (models.ConfigParameter, error)
	GetStage(ctx context.Context, id int64) (models.Stage, error)

	GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error)
	ListDeployments(ctx context.Context, filter ListDeploymentsFilter) ([]models.Deployment, error)
	SetDeploymentPID(ctx context.Context, id uuid.UUID, pid int) error

	Ping(ctx context.Context) error
}

// Tx is a unit of work holding row locks until it commits or rolls back.
// Callers lock the stage before the deployment.
type Tx interface {
	// LockStage loads the stage with its roles and configuration and holds an
	// exclusive lock on the stage row.
	LockStage(ctx context.Context, id int64) (models.Stage, error)
	// LockDeployment loads the deployment row and holds an exclusive lock on it.
	LockDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error)
	// InsertDeployment persists d together with its role snapshot.
	InsertDeployment(ctx context.Context, d models.Deployment) error
	SetStageLock(ctx context.Context, stageID int64, deploymentID uuid.UUID, at time.Time) error
	ClearStageLock(ctx context.Context, stageID int64) error
	FinishDeployment(ctx context.Context, id uuid.UUID, status models.Status, completedAt time.Time) error
}

type HostInput struct {
	Name string
}

type StageInput struct {
	ProjectName string
	Name        string
}

type RoleInput struct {
	StageID  int64
	Name     string
	HostID   int64
	Precheck *bool
}

type ParameterInput struct {
	StageID int64
	Name    string
	Value   string
	Prompt  bool
}

type ListDeploymentsFilter struct {
	StageID int64
	Status  models.Status
	Limit   int
	Offset  int
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) CreateHost(ctx context.Context, in HostInput) (models.Host, error) {
	if strings.TrimSpace(in.Name) == "" {
		return models.Host{}, fmt.Errorf("host name required")
	}
	const query = `
		INSERT INTO hosts (name)
		VALUES ($1)
		RETURNING id, name, created_at
	`
	var h models.Host
	if err := s.db.QueryRowContext(ctx, query, in.Name).Scan(&h.ID, &h.Name, &h.CreatedAt); err != nil {
		return models.Host{}, fmt.Errorf("insert host: %w", err)
	}
	return h, nil
}

func (s *PGStore) CreateStage(ctx context.Context, in StageInput) (models.Stage, error) {
	if in.ProjectName == "" || in.Name == "" {
		return models.Stage{}, fmt.Errorf("projectName and name required")
	}
	const query = `
		INSERT INTO stages (project_name, name)
		VALUES ($1,$2)
		RETURNING id, project_name, name, created_at
	`
	var st models.Stage
	if err := s.db.QueryRowContext(ctx, query, in.ProjectName, in.Name).Scan(&st.ID, &st.ProjectName, &st.Name, &st.CreatedAt); err != nil {
		return models.Stage{}, fmt.Errorf("insert stage: %w", err)
	}
	return st, nil
}

func (s *PGStore) AddRole(ctx context.Context, in RoleInput) (models.Role, error) {
	if in.StageID == 0 || in.HostID == 0 || in.Name == "" {
		return models.Role{}, fmt.Errorf("stageId, hostId and name required")
	}
	precheck := true
	if in.Precheck != nil {
		precheck = *in.Precheck
	}
	const query = `
		WITH inserted AS (
			INSERT INTO roles (stage_id, name, host_id, precheck)
			VALUES ($1,$2,$3,$4)
			RETURNING id, stage_id, name, host_id, precheck
		)
		SELECT i.id, i.stage_id, i.name, i.host_id, i.precheck, h.name, h.created_at
		FROM inserted i JOIN hosts h ON h.id = i.host_id
	`
	role, err := scanRole(s.db.QueryRowContext(ctx, query, in.StageID, in.Name, in.HostID, precheck))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Role{}, ErrNotFound
		}
		return models.Role{}, fmt.Errorf("insert role: %w", err)
	}
	return role, nil
}

func (s *PGStore) SetConfigParameter(ctx context.Context, in ParameterInput) (models.ConfigParameter, error) {
	if in.StageID == 0 || in.Name == "" {
		return models.ConfigParameter{}, fmt.Errorf("stageId and name required")
	}
	const query = `
		INSERT INTO configuration_parameters (stage_id, name, value, prompt)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (stage_id, name)
		DO UPDATE SET value = EXCLUDED.value, prompt = EXCLUDED.prompt
		RETURNING id, stage_id, name, value, prompt
	`
	var p models.ConfigParameter
	if err := s.db.QueryRowContext(ctx, query, in.StageID, in.Name, in.Value, in.Prompt).Scan(&p.ID, &p.StageID, &p.Name, &p.Value, &p.Prompt); err != nil {
		return models.ConfigParameter{}, fmt.Errorf("upsert configuration parameter: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetStage(ctx context.Context, id int64) (models.Stage, error) {
	return loadStage(ctx, s.db, id, false)
}

func (s *PGStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRowContext(ctx, selectDeployment+` WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrNotFound
		}
		return models.Deployment{}, fmt.Errorf("get deployment: %w", err)
	}
	const rolesQuery = `
		SELECT r.id, r.stage_id, r.name, r.host_id, r.precheck, h.name, h.created_at
		FROM deployment_roles dr
		JOIN roles r ON r.id = dr.role_id
		JOIN hosts h ON h.id = r.host_id
		WHERE dr.deployment_id=$1
		ORDER BY r.id
	`
	roles, err := queryRoles(ctx, s.db, rolesQuery, id)
	if err != nil {
		return models.Deployment{}, fmt.Errorf("get deployment roles: %w", err)
	}
	d.Roles = roles
	return d, nil
}

func (s *PGStore) ListDeployments(ctx context.Context, filter ListDeploymentsFilter) ([]models.Deployment, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.StageID != 0 {
		args = append(args, filter.StageID)
		where = append(where, fmt.Sprintf("stage_id=$%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	query := selectDeployment
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()
	var out []models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) SetDeploymentPID(ctx context.Context, id uuid.UUID, pid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE deployments SET pid=$2 WHERE id=$1`, id, pid)
	if err != nil {
		return fmt.Errorf("set deployment pid: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

const selectDeployment = `
		SELECT id, stage_id, task, description, branch, initiator, status,
		       excluded_host_ids, override_locking, pid, created_at, completed_at
		FROM deployments`

func scanDeployment(row rowScanner) (models.Deployment, error) {
	var (
		d         models.Deployment
		status    string
		excluded  pq.Int64Array
		pid       sql.NullInt64
		completed sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.StageID,
		&d.Task,
		&d.Description,
		&d.Branch,
		&d.Initiator,
		&status,
		&excluded,
		&d.OverrideLocking,
		&pid,
		&d.CreatedAt,
		&completed,
	); err != nil {
		return models.Deployment{}, err
	}
	d.Status = models.Status(status)
	d.ExcludedHostIDs = models.HostIDs(excluded)
	if d.ExcludedHostIDs == nil {
		d.ExcludedHostIDs = models.HostIDs{}
	}
	if pid.Valid {
		v := int(pid.Int64)
		d.PID = &v
	}
	if completed.Valid {
		t := completed.Time
		d.CompletedAt = &t
	}
	return d, nil
}

func scanRole(row rowScanner) (models.Role, error) {
	var r models.Role
	if err := row.Scan(&r.ID, &r.StageID, &r.Name, &r.HostID, &r.Precheck, &r.Host.Name, &r.Host.CreatedAt); err != nil {
		return models.Role{}, err
	}
	r.Host.ID = r.HostID
	return r, nil
}

func queryRoles(ctx context.Context, q querier, query string, args ...interface{}) ([]models.Role, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []models.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// loadStage reads a stage with its roles and configuration. With forUpdate the
// stage row stays locked until q's transaction ends.
func loadStage(ctx context.Context, q querier, id int64, forUpdate bool) (models.Stage, error) {
	query := `
		SELECT id, project_name, name, locked_by_deployment_id, locked_at, created_at
		FROM stages
		WHERE id=$1`
	if forUpdate {
		query += `
		FOR UPDATE`
	}
	var (
		st       models.Stage
		lockedBy uuid.NullUUID
		lockedAt sql.NullTime
	)
	if err := q.QueryRowContext(ctx, query, id).Scan(&st.ID, &st.ProjectName, &st.Name, &lockedBy, &lockedAt, &st.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Stage{}, ErrNotFound
		}
		return models.Stage{}, fmt.Errorf("select stage: %w", err)
	}
	if lockedBy.Valid {
		holder := lockedBy.UUID
		st.LockedBy = &holder
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		st.LockedAt = &t
	}

	const rolesQuery = `
		SELECT r.id, r.stage_id, r.name, r.host_id, r.precheck, h.name, h.created_at
		FROM roles r
		JOIN hosts h ON h.id = r.host_id
		WHERE r.stage_id=$1
		ORDER BY r.id
	`
	roles, err := queryRoles(ctx, q, rolesQuery, id)
	if err != nil {
		return models.Stage{}, fmt.Errorf("select stage roles: %w", err)
	}
	st.Roles = roles

	const paramsQuery = `
		SELECT id, stage_id, name, value, prompt
		FROM configuration_parameters
		WHERE stage_id=$1
		ORDER BY name
	`
	rows, err := q.QueryContext(ctx, paramsQuery, id)
	if err != nil {
		return models.Stage{}, fmt.Errorf("select stage configuration: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.ConfigParameter
		if err := rows.Scan(&p.ID, &p.StageID, &p.Name, &p.Value, &p.Prompt); err != nil {
			return models.Stage{}, fmt.Errorf("scan configuration: %w", err)
		}
		st.Configuration = append(st.Configuration, p)
	}
	if err := rows.Err(); err != nil {
		return models.Stage{}, fmt.Errorf("select stage configuration: %w", err)
	}
	return st, nil
}
