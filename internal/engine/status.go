package engine

import (
	"context"
	"errors"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// ProjectStatus summarizes where a project stands: document states, the
// active stage, stage and work package counts, pending gates and exceeded tolerances.
func (e Engine) ProjectStatus(ctx context.Context, projectID string) (domain.ProjectStatus, error) {
	var st domain.ProjectStatus
	// One transaction keeps the summary consistent across queries.
	tx, err := e.DB.BeginTx(ctx, e.Repo.Dialect.TxOptions(true))
	if err != nil {
		return st, classify(err)
	}
	defer tx.Rollback()

	if _, err := e.loadProject(ctx, tx, projectID); err != nil {
		return st, err
	}
	st.ProjectID = projectID
	if st.BusinessCaseStatus, err = e.documentStatus(ctx, tx, projectID, domain.DocumentBusinessCase); err != nil {
		return st, err
	}
	if st.PIDStatus, err = e.documentStatus(ctx, tx, projectID, domain.DocumentPID); err != nil {
		return st, err
	}
	active, err := e.Repo.ActiveStage(ctx, tx, projectID)
	switch {
	case err == nil:
		st.ActiveStage = &active
	case !errors.Is(err, repo.ErrNotFound):
		return st, err
	}
	if st.StageCounts, err = e.Repo.CountStagesByStatus(ctx, tx, projectID); err != nil {
		return st, err
	}
	if st.WorkPackageCounts, err = e.Repo.CountWorkPackagesByStatus(ctx, tx, projectID); err != nil {
		return st, err
	}
	if st.PendingGates, err = e.Repo.CountPendingGates(ctx, tx, projectID); err != nil {
		return st, err
	}
	tolerances, err := e.Repo.ListTolerances(ctx, tx, projectID)
	if err != nil {
		return st, err
	}
	st.ExceededTolerances = []string{}
	for _, t := range tolerances {
		if t.IsExceeded {
			st.ExceededTolerances = append(st.ExceededTolerances, t.Type)
		}
	}
	return st, tx.Commit()
}

func (e Engine) documentStatus(ctx context.Context, q repo.Querier, projectID, kind string) (string, error) {
	d, err := e.Repo.LatestDocument(ctx, q, projectID, kind, nil, "")
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	return d.Status, err
}
