package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/repo"
)

func (e Engine) AddBoardMember(ctx context.Context, projectID, memberID, role, actorID string) (domain.BoardMember, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return domain.BoardMember{}, validationError("member_required", "member actor id is required")
	}
	if !domain.IsBoardRole(role) {
		return domain.BoardMember{}, validationError("invalid_role", "%s is not a board role", role).with("allowed", domain.BoardRoles)
	}
	now := e.timestamp()
	m := domain.BoardMember{ProjectID: projectID, ActorID: memberID, Role: role, AddedBy: actorID, CreatedAt: now}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadProject(ctx, tx, projectID); err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, projectID, actorID, "board.manage", auth.Entity{Kind: "board"}); err != nil {
			return err
		}
		roles, err := e.Repo.ActorRoles(ctx, tx, projectID, memberID)
		if err != nil {
			return err
		}
		for _, r := range roles {
			if r == role {
				return conflictError("board_member_exists", "%s already holds role %s", memberID, role)
			}
		}
		if err := e.Repo.EnsureActor(ctx, tx, memberID, now); err != nil {
			return err
		}
		if err := e.Repo.InsertBoardMember(ctx, tx, m); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "board.member_added", projectID, "board_member", memberID, actorID, events.EventPayload{"role": role})
	})
	if err != nil {
		return domain.BoardMember{}, err
	}
	e.committed(projectID, "board_member", "add", memberID, actorID)
	return m, nil
}

// RemoveBoardMember revokes one role. The last executive cannot be removed.
func (e Engine) RemoveBoardMember(ctx context.Context, projectID, memberID, role, actorID string) error {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadProject(ctx, tx, projectID); err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, projectID, actorID, "board.manage", auth.Entity{Kind: "board"}); err != nil {
			return err
		}
		if err := e.Repo.DeleteBoardMember(ctx, tx, projectID, memberID, role); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFoundError("board_member", memberID+"/"+role)
			}
			return err
		}
		// Counted after the delete so a member without the role is not_found.
		if role == domain.RoleExecutive {
			n, err := e.Repo.CountRoleHolders(ctx, tx, projectID, role)
			if err != nil {
				return err
			}
			if n == 0 {
				return preconditionError("last_executive", "a project board must keep at least one executive")
			}
		}
		return e.eventWriter().Append(ctx, tx, "board.member_removed", projectID, "board_member", memberID, actorID, events.EventPayload{"role": role})
	})
	if err != nil {
		return err
	}
	e.committed(projectID, "board_member", "remove", memberID, actorID)
	return nil
}

func (e Engine) ListBoard(ctx context.Context, projectID string) ([]domain.BoardMember, error) {
	if _, err := e.loadProject(ctx, e.DB, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListBoardMembers(ctx, e.DB, projectID)
}

// ActorRoles lists the board roles actorID holds in the project.
func (e Engine) ActorRoles(ctx context.Context, projectID, actorID string) ([]string, error) {
	return e.Auth.ActorRoles(ctx, e.DB, projectID, actorID)
}
