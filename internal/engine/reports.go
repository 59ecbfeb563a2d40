package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/repo"
)

const dateLayout = "2006-01-02"

type CreateHighlightReportOptions struct {
	StageID        string
	PeriodStart    string
	PeriodEnd      string
	OverallStatus  string
	Summary        string
	Issues         []string
	NextPeriodPlan string
	ActorID        string
}

func (o CreateHighlightReportOptions) validate() error {
	start, err := time.Parse(dateLayout, o.PeriodStart)
	if err != nil {
		return validationError("invalid_period", "period_start must be YYYY-MM-DD")
	}
	end, err := time.Parse(dateLayout, o.PeriodEnd)
	if err != nil {
		return validationError("invalid_period", "period_end must be YYYY-MM-DD")
	}
	if end.Before(start) {
		return validationError("invalid_period", "period_end %s is before period_start %s", o.PeriodEnd, o.PeriodStart)
	}
	switch o.OverallStatus {
	case domain.HighlightGreen, domain.HighlightAmber, domain.HighlightRed:
	default:
		return validationError("invalid_overall_status", "overall_status must be green, amber or red")
	}
	if strings.TrimSpace(o.Summary) == "" {
		return validationError("summary_required", "summary is required")
	}
	return nil
}

// CreateHighlightReport files an immutable progress report for the active stage.
func (e Engine) CreateHighlightReport(ctx context.Context, opts CreateHighlightReportOptions) (domain.HighlightReport, error) {
	if err := opts.validate(); err != nil {
		return domain.HighlightReport{}, err
	}
	var h domain.HighlightReport
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		st, err := e.loadStage(ctx, tx, opts.StageID)
		if err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, st.ProjectID, opts.ActorID, "highlight_report.create", auth.Entity{Kind: "highlight_report"}); err != nil {
			return err
		}
		if st.Status != domain.StageActive {
			return preconditionError("stage_not_active", "highlight reports are filed for the active stage; stage %d is %s", st.Order, st.Status)
		}
		h = domain.HighlightReport{
			ID:             newID(),
			ProjectID:      st.ProjectID,
			StageID:        st.ID,
			PeriodStart:    opts.PeriodStart,
			PeriodEnd:      opts.PeriodEnd,
			OverallStatus:  opts.OverallStatus,
			Summary:        strings.TrimSpace(opts.Summary),
			Issues:         nonNil(opts.Issues),
			NextPeriodPlan: opts.NextPeriodPlan,
			CreatedBy:      opts.ActorID,
			CreatedAt:      e.timestamp(),
		}
		if err := e.Repo.InsertHighlightReport(ctx, tx, h); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "highlight_report.created", h.ProjectID, "highlight_report", h.ID, opts.ActorID, events.EventPayload{
			"stage_id":       st.ID,
			"overall_status": h.OverallStatus,
		})
	})
	if err != nil {
		return domain.HighlightReport{}, err
	}
	e.committed(h.ProjectID, "highlight_report", "create", h.ID, opts.ActorID)
	return h, nil
}

func (e Engine) GetHighlightReport(ctx context.Context, id string) (domain.HighlightReport, error) {
	h, err := e.Repo.GetHighlightReport(ctx, e.DB, id)
	return h, notFound(err, "highlight_report", id)
}

func (e Engine) ListHighlightReports(ctx context.Context, stageID string) ([]domain.HighlightReport, error) {
	if _, err := e.loadStage(ctx, e.DB, stageID); err != nil {
		return nil, err
	}
	return e.Repo.ListHighlightReports(ctx, e.DB, stageID)
}

type RecordLessonOptions struct {
	ProjectID      string
	StageID        string
	LessonType     string
	Category       string
	Description    string
	Recommendation string
	ActorID        string
}

// RecordLesson appends an entry to the project's lessons log.
func (e Engine) RecordLesson(ctx context.Context, opts RecordLessonOptions) (domain.Lesson, error) {
	if opts.LessonType != domain.LessonPositive && opts.LessonType != domain.LessonNegative {
		return domain.Lesson{}, validationError("invalid_lesson_type", "lesson_type must be positive or negative")
	}
	if strings.TrimSpace(opts.Category) == "" {
		return domain.Lesson{}, validationError("category_required", "category is required")
	}
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Lesson{}, validationError("description_required", "description is required")
	}
	var l domain.Lesson
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.loadProject(ctx, tx, opts.ProjectID); err != nil {
			return err
		}
		if _, err := e.authorize(ctx, tx, opts.ProjectID, opts.ActorID, "lessons.record", auth.Entity{Kind: "lesson"}); err != nil {
			return err
		}
		stageID := emptyToNil(strings.TrimSpace(opts.StageID))
		if stageID != nil {
			st, err := e.loadStage(ctx, tx, *stageID)
			if err != nil {
				return err
			}
			if st.ProjectID != opts.ProjectID {
				return validationError("stage_project_mismatch", "stage %s belongs to another project", st.ID)
			}
		}
		l = domain.Lesson{
			ID:             newID(),
			ProjectID:      opts.ProjectID,
			StageID:        stageID,
			LessonType:     opts.LessonType,
			Category:       strings.TrimSpace(opts.Category),
			Description:    strings.TrimSpace(opts.Description),
			Recommendation: opts.Recommendation,
			LoggedBy:       opts.ActorID,
			CreatedAt:      e.timestamp(),
		}
		if err := e.Repo.InsertLesson(ctx, tx, l); err != nil {
			return err
		}
		return e.eventWriter().Append(ctx, tx, "lesson.recorded", l.ProjectID, "lesson", l.ID, opts.ActorID, events.EventPayload{
			"lesson_type": l.LessonType,
			"category":    l.Category,
		})
	})
	if err != nil {
		return domain.Lesson{}, err
	}
	e.committed(l.ProjectID, "lesson", "record", l.ID, opts.ActorID)
	return l, nil
}

func (e Engine) ListLessons(ctx context.Context, f repo.LessonFilter) ([]domain.Lesson, error) {
	if _, err := e.loadProject(ctx, e.DB, f.ProjectID); err != nil {
		return nil, err
	}
	return e.Repo.ListLessons(ctx, e.DB, f)
}
