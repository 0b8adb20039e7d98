package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHostIDsIsIdempotent(t *testing.T) {
	fromList, err := NormalizeHostIDs([]interface{}{3, "3", 3})
	require.NoError(t, err)
	fromScalar, err := NormalizeHostIDs(3)
	require.NoError(t, err)

	assert.Equal(t, HostIDs{3}, fromList)
	assert.Equal(t, HostIDs{3}, fromScalar)

	again, err := NormalizeHostIDs(fromList)
	require.NoError(t, err)
	assert.Equal(t, fromList, again)
}

func TestNormalizeHostIDsKeepsFirstSeenOrder(t *testing.T) {
	ids, err := NormalizeHostIDs([]string{"7", "2", " 7 ", "", "5"})
	require.NoError(t, err)
	assert.Equal(t, HostIDs{7, 2, 5}, ids)
}

func TestNormalizeHostIDsRejectsGarbage(t *testing.T) {
	_, err := NormalizeHostIDs("web-1")
	assert.Error(t, err)
	_, err = NormalizeHostIDs(2.5)
	assert.Error(t, err)
	_, err = NormalizeHostIDs(map[string]int{"a": 1})
	assert.Error(t, err)
}

func TestNormalizeHostIDsRejectsOutOfRange(t *testing.T) {
	for _, in := range []interface{}{1e20, -1e20, 0, int64(-3), 0.0, "0", "-1", []interface{}{4, -4}} {
		_, err := NormalizeHostIDs(in)
		assert.Error(t, err, "%v", in)
	}

	var got HostIDs
	assert.Error(t, json.Unmarshal([]byte(`[1e20]`), &got))
	assert.Error(t, json.Unmarshal([]byte(`-2`), &got))
	require.NoError(t, json.Unmarshal([]byte(`[9007199254740993]`), &got))
	assert.Equal(t, HostIDs{9007199254740993}, got)
}

func TestNormalizeHostIDsNil(t *testing.T) {
	ids, err := NormalizeHostIDs(nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHostIDsUnmarshalJSON(t *testing.T) {
	cases := map[string]HostIDs{
		`3`:           {3},
		`"3"`:         {3},
		`[3,"3",3]`:   {3},
		`[1, 2, "1"]`: {1, 2},
		`null`:        {},
	}
	for in, want := range cases {
		var got HostIDs
		require.NoError(t, json.Unmarshal([]byte(in), &got), in)
		assert.Equal(t, want, got, in)
	}

	var bad HostIDs
	assert.Error(t, json.Unmarshal([]byte(`["x"]`), &bad))
}

func TestCancellingPossible(t *testing.T) {
	pid := 4242
	now := time.Now()

	assert.False(t, Deployment{}.CancellingPossible())
	assert.True(t, Deployment{PID: &pid}.CancellingPossible())
	assert.False(t, Deployment{PID: &pid, CompletedAt: &now}.CancellingPossible())
}

func TestRepeatProducesUnsavedCandidate(t *testing.T) {
	d := Deployment{
		ID:          uuid.New(),
		StageID:     9,
		Task:        "deploy:migrations",
		Branch:      "release",
		Description: "ship it",
		Initiator:   "alice",
		Status:      StatusFailed,
	}
	r := d.Repeat()

	assert.Equal(t, uuid.Nil, r.ID)
	assert.Equal(t, int64(9), r.StageID)
	assert.Equal(t, "deploy:migrations", r.Task)
	assert.Equal(t, "release", r.Branch)
	assert.Equal(t, Status(""), r.Status)
	assert.Equal(t, "Repetition of deployment "+d.ID.String()+": \nship it", r.Description)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, Status("paused").Valid())
}

func TestStageHelpers(t *testing.T) {
	stage := Stage{
		Configuration: []ConfigParameter{
			{Name: "branch", Value: "main"},
			{Name: "password", Prompt: true},
		},
	}
	assert.False(t, stage.DeploymentPossible())
	stage.Roles = []Role{{ID: 1, HostID: 10}}
	assert.True(t, stage.DeploymentPossible())

	prompts := stage.PromptParameters()
	require.Len(t, prompts, 1)
	assert.Equal(t, "password", prompts[0].Name)

	eff := EffectiveConfiguration(stage.Configuration, map[string]string{"password": "s3cret", "branch": "hotfix"})
	assert.Equal(t, map[string]string{"branch": "hotfix", "password": "s3cret"}, eff)
}

func TestHumanizeTask(t *testing.T) {
	assert.Equal(t, "deploying", HumanizeTask("deploy").Progressive)
	assert.Equal(t, "rolled back", HumanizeTask("deploy:rollback").Past)
	assert.Equal(t, Verbs{"custom:task", "custom:task", "custom:task"}, HumanizeTask("custom:task"))
	assert.True(t, IsDeployTask("deploy:default"))
	assert.False(t, IsDeployTask("deploy:setup"))
}
