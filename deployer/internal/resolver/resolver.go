// Package resolver computes the effective target set of a deployment from the
// roles it was created with and its exclusion set.
package resolver

import (
	"github.com/stagehand-deploy/stagehand/deployer/internal/models"
)

// Resolution is the outcome of applying an exclusion set to a list of roles.
//
// Unmatched holds excluded ids that refer to no host of the given roles, for
// example a host that was deleted after the exclusion was chosen. Such ids
// exclude nothing.
type Resolution struct {
	Hosts     []models.Host
	Roles     []models.Role
	Unmatched []int64
}

func Resolve(roles []models.Role, excluded []int64) Resolution {
	known := make(map[int64]struct{}, len(roles))
	for _, r := range roles {
		known[r.HostID] = struct{}{}
	}
	var unmatched []int64
	for _, id := range excluded {
		if _, ok := known[id]; !ok {
			unmatched = append(unmatched, id)
		}
	}
	return Resolution{
		Hosts:     ResolveTargetHosts(roles, excluded),
		Roles:     ResolveTargetRoles(roles, excluded),
		Unmatched: unmatched,
	}
}

// ResolveTargetHosts returns the distinct hosts referenced by roles, in
// first-seen order, minus the excluded ones.
func ResolveTargetHosts(roles []models.Role, excluded []int64) []models.Host {
	skip := toSet(excluded)
	seen := make(map[int64]struct{}, len(roles))
	hosts := make([]models.Host, 0, len(roles))
	for _, r := range roles {
		if _, ok := skip[r.HostID]; ok {
			continue
		}
		if _, ok := seen[r.HostID]; ok {
			continue
		}
		seen[r.HostID] = struct{}{}
		host := r.Host
		if host.ID == 0 {
			host.ID = r.HostID
		}
		hosts = append(hosts, host)
	}
	return hosts
}

// ResolveTargetRoles returns the roles whose host is not excluded, preserving
// input order.
func ResolveTargetRoles(roles []models.Role, excluded []int64) []models.Role {
	skip := toSet(excluded)
	out := make([]models.Role, 0, len(roles))
	for _, r := range roles {
		if _, ok := skip[r.HostID]; ok {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RolePlan describes how a single role is shown before a deployment starts.
type RolePlan struct {
	Role     models.Role `json:"role"`
	Excluded bool        `json:"excluded"`
	Precheck bool        `json:"precheck"`
	Enabled  bool        `json:"enabled"`
}

// Plan marks each role as excluded or not. A role is enabled when its host is
// not excluded and the role participates in precheck.
func Plan(roles []models.Role, excluded []int64) []RolePlan {
	skip := toSet(excluded)
	out := make([]RolePlan, 0, len(roles))
	for _, r := range roles {
		_, ex := skip[r.HostID]
		out = append(out, RolePlan{
			Role:     r,
			Excluded: ex,
			Precheck: r.Precheck,
			Enabled:  !ex && r.Precheck,
		})
	}
	return out
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
