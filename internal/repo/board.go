package repo

import (
	"context"

	"stageline/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, q Querier, actorID, now string) error {
	_, err := r.exec(ctx, q, `INSERT INTO actors(id, created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, actorID, now)
	return err
}

func (r Repo) InsertBoardMember(ctx context.Context, q Querier, m domain.BoardMember) error {
	_, err := r.exec(ctx, q, `INSERT INTO board_members(project_id, actor_id, role, added_by, created_at) VALUES (?,?,?,?,?)`,
		m.ProjectID, m.ActorID, m.Role, m.AddedBy, m.CreatedAt)
	return err
}

func (r Repo) DeleteBoardMember(ctx context.Context, q Querier, projectID, actorID, role string) error {
	res, err := r.exec(ctx, q, `DELETE FROM board_members WHERE project_id=? AND actor_id=? AND role=?`, projectID, actorID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListBoardMembers(ctx context.Context, q Querier, projectID string) ([]domain.BoardMember, error) {
	rows, err := r.query(ctx, q, `SELECT project_id, actor_id, role, added_by, created_at FROM board_members WHERE project_id=? ORDER BY created_at, actor_id, role`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BoardMember
	for rows.Next() {
		var m domain.BoardMember
		if err := rows.Scan(&m.ProjectID, &m.ActorID, &m.Role, &m.AddedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ActorRoles returns the board roles an actor holds in a project.
func (r Repo) ActorRoles(ctx context.Context, q Querier, projectID, actorID string) ([]string, error) {
	rows, err := r.query(ctx, q, `SELECT role FROM board_members WHERE project_id=? AND actor_id=? ORDER BY role`, projectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) CountRoleHolders(ctx context.Context, q Querier, projectID, role string) (int, error) {
	var n int
	err := r.queryRow(ctx, q, `SELECT COUNT(*) FROM board_members WHERE project_id=? AND role=?`, projectID, role).Scan(&n)
	return n, err
}
