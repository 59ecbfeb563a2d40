package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

func toleranceCmd() *cobra.Command {
	tol := &cobra.Command{Use: "tolerance", Short: "Manage project tolerances"}
	tol.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create every tolerance type with the configured default bands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.InitializeTolerances(ctx, projectID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderTolerances(items))
			})
		},
	})
	tol.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tolerances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListTolerances(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderTolerances(items))
			})
		},
	})
	tol.AddCommand(&cobra.Command{
		Use:   "show <type>",
		Short: "Show one tolerance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.GetTolerance(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t, renderTolerances([]domain.Tolerance{t}))
			})
		},
	})

	var plus, minus float64
	bands := &cobra.Command{
		Use:   "set-bands <type>",
		Short: "Set the plus and minus bands of a tolerance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.SetToleranceBands(ctx, projectID, args[0], plus, minus, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t, renderTolerances([]domain.Tolerance{t}))
			})
		},
	}
	bands.Flags().Float64Var(&plus, "plus", 0, "plus tolerance")
	bands.Flags().Float64Var(&minus, "minus", 0, "minus tolerance")
	_ = bands.MarkFlagRequired("plus")
	_ = bands.MarkFlagRequired("minus")
	tol.AddCommand(bands)

	var status string
	var deviation float64
	record := &cobra.Command{
		Use:   "record <type>",
		Short: "Record a measured deviation; outside the band raises an exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.RecordToleranceStatus(ctx, projectID, args[0], status, deviation, actorID())
				if err != nil {
					return err
				}
				if t.IsExceeded {
					fmt.Printf("%s tolerance exceeded\n", t.Type)
				}
				return printJSONOrTable(t, renderTolerances([]domain.Tolerance{t}))
			})
		},
	}
	record.Flags().StringVar(&status, "status", "", "current status note")
	record.Flags().Float64Var(&deviation, "deviation", 0, "measured deviation")
	_ = record.MarkFlagRequired("deviation")
	tol.AddCommand(record)
	return tol
}

func renderTolerances(items []domain.Tolerance) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Type", "Plus", "Minus", "Last Deviation", "Exceeded", "Status"})
		for _, t := range items {
			last := ""
			if t.LastDeviation != nil {
				last = fmt.Sprintf("%g", *t.LastDeviation)
			}
			tw.AppendRow(table.Row{t.Type, t.PlusTolerance, t.MinusTolerance, last, t.IsExceeded, t.CurrentStatus})
		}
	}
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{Use: "report", Short: "Manage highlight reports"}
	var opts engine.CreateHighlightReportOptions
	create := &cobra.Command{
		Use:   "create <stage-id>",
		Short: "File a highlight report for the active stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.StageID = args[0]
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateHighlightReport(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r, renderReports([]domain.HighlightReport{r}))
			})
		},
	}
	create.Flags().StringVar(&opts.PeriodStart, "from", "", "period start (YYYY-MM-DD)")
	create.Flags().StringVar(&opts.PeriodEnd, "to", "", "period end (YYYY-MM-DD)")
	create.Flags().StringVar(&opts.OverallStatus, "status", domain.HighlightGreen, "green, amber or red")
	create.Flags().StringVar(&opts.Summary, "summary", "", "summary")
	create.Flags().StringSliceVar(&opts.Issues, "issue", nil, "issue (repeatable)")
	create.Flags().StringVar(&opts.NextPeriodPlan, "next", "", "plan for the next period")
	_ = create.MarkFlagRequired("from")
	_ = create.MarkFlagRequired("to")
	_ = create.MarkFlagRequired("summary")
	report.AddCommand(create)

	report.AddCommand(&cobra.Command{
		Use:   "list <stage-id>",
		Short: "List a stage's highlight reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListHighlightReports(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderReports(items))
			})
		},
	})
	report.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a highlight report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetHighlightReport(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(r)
			})
		},
	})
	return report
}

func renderReports(items []domain.HighlightReport) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Period", "Status", "Summary", "Issues"})
		for _, r := range items {
			tw.AppendRow(table.Row{r.ID, r.PeriodStart + " .. " + r.PeriodEnd, r.OverallStatus, r.Summary, len(r.Issues)})
		}
	}
}

func lessonCmd() *cobra.Command {
	lesson := &cobra.Command{Use: "lesson", Short: "Manage the lessons log"}
	var opts engine.RecordLessonOptions
	record := &cobra.Command{
		Use:   "record",
		Short: "Record a lesson",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = actorID()
				l, err := e.RecordLesson(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l, renderLessons([]domain.Lesson{l}))
			})
		},
	}
	record.Flags().StringVar(&opts.StageID, "stage", "", "stage id")
	record.Flags().StringVar(&opts.LessonType, "type", domain.LessonPositive, "positive or negative")
	record.Flags().StringVar(&opts.Category, "category", "", "category")
	record.Flags().StringVar(&opts.Description, "description", "", "what happened")
	record.Flags().StringVar(&opts.Recommendation, "recommendation", "", "recommendation")
	_ = record.MarkFlagRequired("category")
	_ = record.MarkFlagRequired("description")
	lesson.AddCommand(record)

	var f repo.LessonFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List lessons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				items, err := e.ListLessons(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderLessons(items))
			})
		},
	}
	list.Flags().StringVar(&f.LessonType, "type", "", "lesson type filter")
	list.Flags().StringVar(&f.Category, "category", "", "category filter")
	lesson.AddCommand(list)
	return lesson
}

func renderLessons(items []domain.Lesson) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Type", "Category", "Description", "Logged By"})
		for _, l := range items {
			tw.AppendRow(table.Row{l.ID, l.LessonType, l.Category, l.Description, l.LoggedBy})
		}
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize project governance state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				st, err := e.ProjectStatus(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(st, renderStatus(st))
			})
		},
	}
}

func renderStatus(st domain.ProjectStatus) func(table.Writer) {
	return func(tw table.Writer) {
		tw.SetTitle("Project " + st.ProjectID)
		tw.AppendRow(table.Row{"Business case", st.BusinessCaseStatus})
		tw.AppendRow(table.Row{"PID", st.PIDStatus})
		active := "-"
		if st.ActiveStage != nil {
			active = fmt.Sprintf("%d %s (%d%%)", st.ActiveStage.Order, st.ActiveStage.Name, st.ActiveStage.ProgressPercentage)
		}
		tw.AppendRow(table.Row{"Active stage", active})
		tw.AppendRow(table.Row{"Stages", formatCounts(st.StageCounts)})
		tw.AppendRow(table.Row{"Work packages", formatCounts(st.WorkPackageCounts)})
		tw.AppendRow(table.Row{"Pending gates", st.PendingGates})
		exceeded := "-"
		if len(st.ExceededTolerances) > 0 {
			exceeded = strings.Join(st.ExceededTolerances, ", ")
		}
		tw.AppendRow(table.Row{"Exceeded tolerances", exceeded})
	}
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
					for _, evt := range items {
						tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
					}
				})
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	log.AddCommand(tail)
	return log
}
