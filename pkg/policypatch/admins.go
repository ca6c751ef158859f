package policypatch

import (
	"encoding/json"
	"fmt"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// Admins is the policy-admin roster consulted before any catalog write.
// Global admins may patch every profile; profile admins only their own.
// An empty roster authorizes nobody.
type Admins struct {
	Global   []string            `json:"global"`
	Profiles map[string][]string `json:"profiles"`
}

// Authorized reports whether the actor may apply changes to the profile.
func (a Admins) Authorized(actorID, profileName string) bool {
	if actorID == "" {
		return false
	}
	for _, id := range a.Global {
		if id == actorID {
			return true
		}
	}
	for _, id := range a.Profiles[profileName] {
		if id == actorID {
			return true
		}
	}
	return false
}

// ParseAdmins decodes the roster from its environment JSON form, e.g.
// {"global":["usr_root_ops"],"profiles":{"workspace_ops_cn":["usr_cn_lead"]}}.
// Empty input yields an empty roster.
func ParseAdmins(raw string) (Admins, error) {
	if raw == "" {
		return Admins{}, nil
	}
	var admins Admins
	if err := json.Unmarshal([]byte(raw), &admins); err != nil {
		return Admins{}, fmt.Errorf("policypatch: parse admin roster: %w", err)
	}
	for _, id := range admins.Global {
		if !contracts.ValidActorID(id) {
			return Admins{}, fmt.Errorf("policypatch: admin roster: invalid actor id %q", id)
		}
	}
	for profile, ids := range admins.Profiles {
		if !contracts.ValidProfileName(profile) {
			return Admins{}, fmt.Errorf("policypatch: admin roster: invalid profile name %q", profile)
		}
		for _, id := range ids {
			if !contracts.ValidActorID(id) {
				return Admins{}, fmt.Errorf("policypatch: admin roster: invalid actor id %q", id)
			}
		}
	}
	return admins, nil
}
