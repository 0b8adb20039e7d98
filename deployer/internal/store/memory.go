package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

// MemoryStore keeps everything in process. Transactions are serialized, which
// stands in for the row locks PGStore relies on.
type MemoryStore struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	nextID      int64
	hosts       map[int64]models.Host
	stages      map[int64]models.Stage
	roles       map[int64]models.Role
	params      map[int64]models.ConfigParameter
	deployments map[uuid.UUID]memDeployment
}

type memDeployment struct {
	deployment models.Deployment
	roleIDs    []int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hosts:       map[int64]models.Host{},
		stages:      map[int64]models.Stage{},
		roles:       map[int64]models.Role{},
		params:      map[int64]models.ConfigParameter{},
		deployments: map[uuid.UUID]memDeployment{},
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	tx := &memTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range tx.pending {
		op()
	}
	return nil
}

func (m *MemoryStore) CreateHost(ctx context.Context, in HostInput) (models.Host, error) {
	if strings.TrimSpace(in.Name) == "" {
		return models.Host{}, fmt.Errorf("host name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.hosts {
		if h.Name == in.Name {
			return models.Host{}, fmt.Errorf("insert host: name %q already exists", in.Name)
		}
	}
	h := models.Host{ID: m.id(), Name: in.Name, CreatedAt: time.Now().UTC()}
	m.hosts[h.ID] = h
	return h, nil
}

func (m *MemoryStore) CreateStage(ctx context.Context, in StageInput) (models.Stage, error) {
	if in.ProjectName == "" || in.Name == "" {
		return models.Stage{}, fmt.Errorf("projectName and name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := models.Stage{ID: m.id(), ProjectName: in.ProjectName, Name: in.Name, CreatedAt: time.Now().UTC()}
	m.stages[st.ID] = st
	return st, nil
}

func (m *MemoryStore) AddRole(ctx context.Context, in RoleInput) (models.Role, error) {
	if in.StageID == 0 || in.HostID == 0 || in.Name == "" {
		return models.Role{}, fmt.Errorf("stageId, hostId and name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stages[in.StageID]; !ok {
		return models.Role{}, ErrNotFound
	}
	host, ok := m.hosts[in.HostID]
	if !ok {
		return models.Role{}, ErrNotFound
	}
	precheck := true
	if in.Precheck != nil {
		precheck = *in.Precheck
	}
	r := models.Role{ID: m.id(), StageID: in.StageID, Name: in.Name, HostID: in.HostID, Host: host, Precheck: precheck}
	m.roles[r.ID] = r
	return r, nil
}

func (m *MemoryStore) SetConfigParameter(ctx context.Context, in ParameterInput) (models.ConfigParameter, error) {
	if in.StageID == 0 || in.Name == "" {
		return models.ConfigParameter{}, fmt.Errorf("stageId and name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stages[in.StageID]; !ok {
		return models.ConfigParameter{}, ErrNotFound
	}
	for id, p := range m.params {
		if p.StageID == in.StageID && p.Name == in.Name {
			p.Value = in.Value
			p.Prompt = in.Prompt
			m.params[id] = p
			return p, nil
		}
	}
	p := models.ConfigParameter{ID: m.id(), StageID: in.StageID, Name: in.Name, Value: in.Value, Prompt: in.Prompt}
	m.params[p.ID] = p
	return p, nil
}

func (m *MemoryStore) GetStage(ctx context.Context, id int64) (models.Stage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stageLocked(id)
}

// stageLocked assembles a stage; callers hold mu.
func (m *MemoryStore) stageLocked(id int64) (models.Stage, error) {
	st, ok := m.stages[id]
	if !ok {
		return models.Stage{}, ErrNotFound
	}
	st.Roles = nil
	for _, r := range m.roles {
		if r.StageID == id {
			r.Host = m.hosts[r.HostID]
			st.Roles = append(st.Roles, r)
		}
	}
	sort.Slice(st.Roles, func(i, j int) bool { return st.Roles[i].ID < st.Roles[j].ID })
	st.Configuration = nil
	for _, p := range m.params {
		if p.StageID == id {
			st.Configuration = append(st.Configuration, p)
		}
	}
	sort.Slice(st.Configuration, func(i, j int) bool { return st.Configuration[i].Name < st.Configuration[j].Name })
	if st.LockedBy != nil {
		holder := *st.LockedBy
		st.LockedBy = &holder
	}
	return st, nil
}

func (m *MemoryStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deployments[id]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	d := copyDeployment(rec.deployment)
	for _, rid := range rec.roleIDs {
		if r, ok := m.roles[rid]; ok {
			r.Host = m.hosts[r.HostID]
			d.Roles = append(d.Roles, r)
		}
	}
	return d, nil
}

func (m *MemoryStore) ListDeployments(ctx context.Context, filter ListDeploymentsFilter) ([]models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Deployment
	for _, rec := range m.deployments {
		d := rec.deployment
		if filter.StageID != 0 && d.StageID != filter.StageID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, copyDeployment(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetDeploymentPID(ctx context.Context, id uuid.UUID, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deployments[id]
	if !ok {
		return ErrNotFound
	}
	rec.deployment.PID = &pid
	m.deployments[id] = rec
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func copyDeployment(d models.Deployment) models.Deployment {
	d.ExcludedHostIDs = append(models.HostIDs{}, d.ExcludedHostIDs...)
	if d.PID != nil {
		pid := *d.PID
		d.PID = &pid
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		d.CompletedAt = &t
	}
	d.Roles = nil
	d.PromptConfig = nil
	return d
}

// memTx reads committed state and buffers its writes until commit.
type memTx struct {
	store   *MemoryStore
	pending []func()
}

func (t *memTx) LockStage(ctx context.Context, id int64) (models.Stage, error) {
	return t.store.GetStage(ctx, id)
}

func (t *memTx) LockDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	rec, ok := t.store.deployments[id]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	return copyDeployment(rec.deployment), nil
}

func (t *memTx) InsertDeployment(ctx context.Context, d models.Deployment) error {
	t.store.mu.RLock()
	_, exists := t.store.deployments[d.ID]
	_, stageOK := t.store.stages[d.StageID]
	t.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("insert deployment: %s already exists", d.ID)
	}
	if !stageOK {
		return fmt.Errorf("insert deployment: stage %d: %w", d.StageID, ErrNotFound)
	}
	rec := memDeployment{deployment: copyDeployment(d)}
	for _, r := range d.Roles {
		rec.roleIDs = append(rec.roleIDs, r.ID)
	}
	t.pending = append(t.pending, func() {
		t.store.deployments[d.ID] = rec
	})
	return nil
}

func (t *memTx) SetStageLock(ctx context.Context, stageID int64, deploymentID uuid.UUID, at time.Time) error {
	if !t.stageExists(stageID) {
		return ErrNotFound
	}
	t.pending = append(t.pending, func() {
		st := t.store.stages[stageID]
		holder := deploymentID
		lockedAt := at
		st.LockedBy = &holder
		st.LockedAt = &lockedAt
		t.store.stages[stageID] = st
	})
	return nil
}

func (t *memTx) ClearStageLock(ctx context.Context, stageID int64) error {
	if !t.stageExists(stageID) {
		return ErrNotFound
	}
	t.pending = append(t.pending, func() {
		st := t.store.stages[stageID]
		st.LockedBy = nil
		st.LockedAt = nil
		t.store.stages[stageID] = st
	})
	return nil
}

func (t *memTx) FinishDeployment(ctx context.Context, id uuid.UUID, status models.Status, completedAt time.Time) error {
	t.store.mu.RLock()
	rec, ok := t.store.deployments[id]
	t.store.mu.RUnlock()
	if !ok || rec.deployment.CompletedAt != nil {
		return ErrNotFound
	}
	t.pending = append(t.pending, func() {
		rec := t.store.deployments[id]
		at := completedAt
		rec.deployment.Status = status
		rec.deployment.CompletedAt = &at
		t.store.deployments[id] = rec
	})
	return nil
}

func (t *memTx) stageExists(id int64) bool {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.stages[id]
	return ok
}
