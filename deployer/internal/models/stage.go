package models

import (
	"time"

	"github.com/google/uuid"
)

type Host struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Role binds a stage to exactly one host. Precheck marks whether the role
// takes part in the pre-deployment display; it defaults to true.
type Role struct {
	ID       int64  `json:"id"`
	StageID  int64  `json:"stageId"`
	Name     string `json:"name"`
	HostID   int64  `json:"hostId"`
	Host     Host   `json:"host"`
	Precheck bool   `json:"precheck"`
}

// ConfigParameter is a stage configuration value. Parameters flagged as
// Prompt have no stored value and must be supplied with every deployment.
type ConfigParameter struct {
	ID      int64  `json:"id"`
	StageID int64  `json:"stageId"`
	Name    string `json:"name"`
	Value   string `json:"value,omitempty"`
	Prompt  bool   `json:"prompt"`
}

type Stage struct {
	ID            int64             `json:"id"`
	ProjectName   string            `json:"projectName"`
	Name          string            `json:"name"`
	Roles         []Role            `json:"roles"`
	Configuration []ConfigParameter `json:"configuration"`
	LockedBy      *uuid.UUID        `json:"lockedBy,omitempty"`
	LockedAt      *time.Time        `json:"lockedAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func (s Stage) Locked() bool {
	return s.LockedBy != nil
}

// DeploymentPossible reports whether the stage has at least one role and every
// role is bound to a host.
func (s Stage) DeploymentPossible() bool {
	if len(s.Roles) == 0 {
		return false
	}
	for _, r := range s.Roles {
		if r.HostID == 0 {
			return false
		}
	}
	return true
}

func (s Stage) PromptParameters() []ConfigParameter {
	var out []ConfigParameter
	for _, p := range s.Configuration {
		if p.Prompt {
			out = append(out, p)
		}
	}
	return out
}

// Parameter looks up a configuration value by name.
func (s Stage) Parameter(name string) (ConfigParameter, bool) {
	for _, p := range s.Configuration {
		if p.Name == name {
			return p, true
		}
	}
	return ConfigParameter{}, false
}

// EffectiveConfiguration returns the stage configuration with prompt values
// filled in from prompt. Prompt values win over stored values.
func EffectiveConfiguration(params []ConfigParameter, prompt map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Name] = p.Value
		if v, ok := prompt[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}
