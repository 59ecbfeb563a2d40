package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPermits(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		roles   []string
		actor   string
		entity  Entity
		want    bool
	}{
		{"role match", []string{"executive"}, []string{"senior_user", "executive"}, "alice", Entity{}, true},
		{"role mismatch", []string{"executive"}, []string{"senior_user"}, "alice", Entity{}, false},
		{"any board member", []string{"*"}, []string{"project_support"}, "alice", Entity{}, true},
		{"any board member without roles", []string{"*"}, nil, "alice", Entity{}, false},
		{"team manager owner", []string{"project_manager", "team_manager"}, nil, "tm", Entity{Owner: "tm"}, true},
		{"team manager other", []string{"team_manager"}, nil, "bob", Entity{Owner: "tm"}, false},
		{"team manager no owner", []string{"team_manager"}, nil, "bob", Entity{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Permits(tc.allowed, tc.roles, tc.actor, tc.entity))
		})
	}
}

func TestForbiddenErrorMessage(t *testing.T) {
	require.EqualError(t, ForbiddenError{Action: "stage_gate.decide"}, "action stage_gate.decide not permitted")
}
