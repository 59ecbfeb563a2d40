package server

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/engine"
)

// owner resolves the project an entity belongs to.
type owner func(ctx context.Context, id string) (string, error)

// inProject fails with 404 when the entity does not exist or belongs to a
// project other than the one in the path.
func inProject(ctx context.Context, projectID, entity, id string, lookup owner) huma.StatusError {
	actual, err := lookup(ctx, id)
	if err != nil {
		return handleError(err)
	}
	return projectMismatch(projectID, actual, entity, id)
}

func documentOwner(e engine.Engine) owner {
	return func(ctx context.Context, id string) (string, error) {
		d, err := e.GetDocument(ctx, id)
		return d.ProjectID, err
	}
}

func stageOwner(e engine.Engine) owner {
	return func(ctx context.Context, id string) (string, error) {
		s, err := e.GetStage(ctx, id)
		return s.ProjectID, err
	}
}

func gateOwner(e engine.Engine) owner {
	return func(ctx context.Context, id string) (string, error) {
		g, err := e.GetGate(ctx, id)
		return g.ProjectID, err
	}
}

func workPackageOwner(e engine.Engine) owner {
	return func(ctx context.Context, id string) (string, error) {
		wp, err := e.GetWorkPackage(ctx, id)
		return wp.ProjectID, err
	}
}

func highlightReportOwner(e engine.Engine) owner {
	return func(ctx context.Context, id string) (string, error) {
		r, err := e.GetHighlightReport(ctx, id)
		return r.ProjectID, err
	}
}
