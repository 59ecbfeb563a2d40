package auth

import (
	"context"
	"fmt"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

// ForbiddenError indicates the actor holds no role the policy admits for an action.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("action %s not permitted", e.Action)
}

// Entity describes the object an action targets. Owner is the team manager
// of a work package, if any.
type Entity struct {
	Kind  string
	ID    string
	Owner string
}

// Service answers board-role questions. Every method reads through the
// caller's transaction.
type Service struct {
	Repo repo.Repo
}

// CanPerform reports whether actorID may perform action on entity in the project.
func (s Service) CanPerform(ctx context.Context, q repo.Querier, policy config.Policy, projectID, actorID, action string, entity Entity) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	allowed := policy.Roles(action)
	if len(allowed) == 0 {
		return false, nil
	}
	roles, err := s.Repo.ActorRoles(ctx, q, projectID, actorID)
	if err != nil {
		return false, err
	}
	return Permits(allowed, roles, actorID, entity), nil
}

// Require is CanPerform returning ForbiddenError on refusal.
func (s Service) Require(ctx context.Context, q repo.Querier, policy config.Policy, projectID, actorID, action string, entity Entity) error {
	ok, err := s.CanPerform(ctx, q, policy, projectID, actorID, action, entity)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Action: action}
	}
	return nil
}

// ActorRoles lists the board roles of actorID in the project.
func (s Service) ActorRoles(ctx context.Context, q repo.Querier, projectID, actorID string) ([]string, error) {
	return s.Repo.ActorRoles(ctx, q, projectID, actorID)
}

// Permits evaluates a policy role list against the actor's board roles.
// "*" admits any board member; team_manager admits the entity owner.
func Permits(allowed, actorRoles []string, actorID string, entity Entity) bool {
	for _, want := range allowed {
		switch want {
		case config.AnyBoardMember:
			if len(actorRoles) > 0 {
				return true
			}
		case domain.RoleTeamManager:
			if entity.Owner != "" && entity.Owner == actorID {
				return true
			}
		default:
			for _, have := range actorRoles {
				if have == want {
					return true
				}
			}
		}
	}
	return false
}
