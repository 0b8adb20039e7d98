package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

func readyStage() *models.Stage {
	return &models.Stage{
		ID:   1,
		Name: "production",
		Roles: []models.Role{
			{ID: 1, Name: "app", HostID: 1, Host: models.Host{ID: 1, Name: "h1"}, Precheck: true},
			{ID: 2, Name: "app", HostID: 2, Host: models.Host{ID: 2, Name: "h2"}, Precheck: true},
		},
	}
}

func candidate() models.Deployment {
	return models.Deployment{StageID: 1, Task: "deploy", Initiator: "alice"}
}

func TestValidCandidateHasNoProblems(t *testing.T) {
	p := Validate(candidate(), readyStage())
	assert.Empty(t, p)
	assert.NoError(t, p.Err(readyStage()))
}

func TestRequiredFieldsAreCollected(t *testing.T) {
	p := Validate(models.Deployment{}, nil)
	assert.Equal(t, []string{
		"task can't be blank",
		"stage can't be blank",
		"initiator can't be blank",
	}, p.Messages())

	var vErr *ValidationError
	require.True(t, errors.As(p.Err(nil), &vErr))
	assert.Len(t, vErr.Problems, 3)
}

func TestTaskLengthBound(t *testing.T) {
	d := candidate()
	d.Task = strings.Repeat("x", models.MaxTaskLength)
	assert.Empty(t, Validate(d, readyStage()))

	d.Task = strings.Repeat("x", models.MaxTaskLength+1)
	assert.Equal(t, []string{"task is too long (maximum is 250 characters)"}, Validate(d, readyStage()).Messages())
}

func TestStageNotReady(t *testing.T) {
	stage := readyStage()
	stage.Roles = nil
	assert.Contains(t, Validate(candidate(), stage).Messages(), "stage is not ready to deploy")
}

func TestPromptParametersRequired(t *testing.T) {
	stage := readyStage()
	stage.Configuration = []models.ConfigParameter{
		{Name: "password", Prompt: true},
		{Name: "token", Prompt: true},
		{Name: "branch", Value: "main"},
	}
	d := candidate()
	d.PromptConfig = map[string]string{"token": "  "}

	assert.Equal(t, []string{
		"parameter 'password' is required",
		"parameter 'token' is required",
	}, Validate(d, stage).Messages())

	d.PromptConfig = map[string]string{"password": "pw", "token": "tk"}
	assert.Empty(t, Validate(d, stage))
}

func TestCannotExcludeAllHosts(t *testing.T) {
	d := candidate()
	d.ExcludedHostIDs = models.HostIDs{1, 2}
	assert.Equal(t, []string{"you cannot exclude all hosts."}, Validate(d, readyStage()).Messages())

	d.ExcludedHostIDs = models.HostIDs{1}
	assert.Empty(t, Validate(d, readyStage()))
}

func TestLockedStageYieldsLockError(t *testing.T) {
	holder := uuid.New()
	stage := readyStage()
	stage.LockedBy = &holder

	p := Validate(candidate(), stage)
	assert.Equal(t, []string{"the stage is locked"}, p.Messages())

	err := p.Err(stage)
	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, holder, lockErr.HeldBy)

	var vErr *ValidationError
	assert.False(t, errors.As(err, &vErr))
}

func TestOverrideSkipsLockCheck(t *testing.T) {
	holder := uuid.New()
	stage := readyStage()
	stage.LockedBy = &holder

	d := candidate()
	d.OverrideLocking = true
	assert.Empty(t, Validate(d, stage))
}

func TestLockCheckRunsLastAndStaysDistinguishable(t *testing.T) {
	holder := uuid.New()
	stage := readyStage()
	stage.LockedBy = &holder

	d := candidate()
	d.Task = ""
	d.ExcludedHostIDs = models.HostIDs{1, 2}

	p := Validate(d, stage)
	assert.Equal(t, []string{
		"task can't be blank",
		"you cannot exclude all hosts.",
		"the stage is locked",
	}, p.Messages())

	err := p.Err(stage)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	var lockErr *LockError
	assert.True(t, errors.As(err, &lockErr))
}
