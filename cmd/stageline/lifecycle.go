package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

func documentCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage governance documents"}
	doc.AddCommand(documentCreateCmd())
	doc.AddCommand(documentUpdateCmd())
	doc.AddCommand(documentListCmd())
	doc.AddCommand(documentShowCmd())
	doc.AddCommand(documentCurrentCmd())
	doc.AddCommand(documentActionCmd("approve", "Approve a draft (a PID is baselined)", func(e engine.Engine) func(context.Context, string, string) (domain.Document, error) {
		return e.ApproveDocument
	}))
	doc.AddCommand(documentActionCmd("revise", "Open a new draft version of a frozen document", func(e engine.Engine) func(context.Context, string, string) (domain.Document, error) {
		return e.ReviseDocument
	}))
	return doc
}

func renderDocuments(items []domain.Document) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Kind", "Stage", "Version", "Status", "Approved By"})
		for _, d := range items {
			tw.AppendRow(table.Row{d.ID, d.Kind, deref(d.StageID), d.Version, d.Status, deref(d.ApprovedBy)})
		}
	}
}

func documentCreateCmd() *cobra.Command {
	var kind, stageID, file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft from a JSON content file",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readJSONFile(file)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				d, err := e.CreateDocument(ctx, engine.CreateDocumentOptions{
					ProjectID: projectID, Kind: kind, StageID: stageID, Content: content, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d, renderDocuments([]domain.Document{d}))
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "business_case, pid, stage_plan or end_project_report")
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id (stage plans only)")
	cmd.Flags().StringVar(&file, "file", "", "JSON content")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func documentUpdateCmd() *cobra.Command {
	var file string
	var revision int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace the content of a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readJSONFile(file)
			if err != nil {
				return err
			}
			var expected *int
			if cmd.Flags().Changed("revision") {
				expected = &revision
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDocument(ctx, args[0], content, expected, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d, renderDocuments([]domain.Document{d}))
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON content")
	cmd.Flags().IntVar(&revision, "revision", 0, "expected revision")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func documentListCmd() *cobra.Command {
	var f repo.DocumentFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				items, err := e.ListDocuments(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderDocuments(items))
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func documentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a document with its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
}

func documentActionCmd(verb, short string, pick func(engine.Engine) func(context.Context, string, string) (domain.Document, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := pick(e)(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(d, renderDocuments([]domain.Document{d}))
			})
		},
	}
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Manage management stages"}
	stage.AddCommand(stageInitCmd())
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageShowCmd())
	stage.AddCommand(stageUpdateCmd())
	stage.AddCommand(stageActionCmd("start", "Start a stage", func(e engine.Engine) func(context.Context, string, string) (domain.Stage, error) {
		return e.StartStage
	}))
	stage.AddCommand(stageActionCmd("complete", "Complete the active stage", func(e engine.Engine) func(context.Context, string, string) (domain.Stage, error) {
		return e.CompleteStage
	}))
	stage.AddCommand(stageActionCmd("resume", "Resume a stage after an approved exception plan", func(e engine.Engine) func(context.Context, string, string) (domain.Stage, error) {
		return e.ResumeStage
	}))
	stage.AddCommand(stageActionCmd("progress", "Recompute progress from work packages", func(e engine.Engine) func(context.Context, string, string) (domain.Stage, error) {
		return e.RecomputeProgress
	}))
	var reason string
	exception := &cobra.Command{
		Use:   "exception <id>",
		Short: "Raise an exception on the active stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RaiseStageException(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s, renderStages([]domain.Stage{s}))
			})
		},
	}
	exception.Flags().StringVar(&reason, "reason", "", "exception reason")
	_ = exception.MarkFlagRequired("reason")
	stage.AddCommand(exception)
	return stage
}

func renderStages(items []domain.Stage) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Order", "ID", "Name", "Status", "Progress"})
		for _, s := range items {
			tw.AppendRow(table.Row{s.Order, s.ID, s.Name, s.Status, fmt.Sprintf("%d%%", s.ProgressPercentage)})
		}
	}
}

func stageInitCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the project's stages from the configured or given template",
		RunE: func(cmd *cobra.Command, args []string) error {
			var template []config.StageTemplate
			for _, n := range names {
				template = append(template, config.StageTemplate{Name: strings.TrimSpace(n)})
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.InitializeStages(ctx, projectID, template, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderStages(items))
			})
		},
	}
	cmd.Flags().StringSliceVar(&names, "name", nil, "stage names in order (repeatable)")
	return cmd
}

func stageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListStages(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderStages(items))
			})
		},
	}
}

func stageActionCmd(verb, short string, pick func(engine.Engine) func(context.Context, string, string) (domain.Stage, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := pick(e)(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s, renderStages([]domain.Stage{s}))
			})
		},
	}
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{Use: "gate", Short: "Manage stage gates"}
	var opts engine.CreateGateOptions
	create := &cobra.Command{
		Use:   "create <stage-id>",
		Short: "Prepare the end-stage review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.StageID = args[0]
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CreateGate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g, renderGates([]domain.StageGate{g}))
			})
		},
	}
	create.Flags().StringVar(&opts.StagePerformanceSummary, "summary", "", "stage performance summary")
	create.Flags().StringSliceVar(&opts.ProductsCompleted, "completed", nil, "completed products")
	create.Flags().StringSliceVar(&opts.ProductsPending, "pending", nil, "pending products")
	create.Flags().StringVar(&opts.LessonsLearned, "lessons", "", "lessons learned")
	create.Flags().BoolVar(&opts.BusinessCaseStillValid, "business-case-valid", false, "business case still valid")
	create.Flags().BoolVar(&opts.NextStagePlanApproved, "next-plan-approved", false, "approve the next stage plan with the gate")
	gate.AddCommand(create)

	gate.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListGates(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderGates(items))
			})
		},
	})

	gate.AddCommand(gateShowCmd())
	gate.AddCommand(gateUpdateCmd())
	gate.AddCommand(gateDecisionCmd("approve", "Approve a gate", func(e engine.Engine) gateDecider { return e.ApproveGate }))
	gate.AddCommand(gateDecisionCmd("conditional", "Approve a gate with conditions", func(e engine.Engine) gateDecider { return e.MarkGateConditional }))
	gate.AddCommand(gateDecisionCmd("reject", "Reject a gate", func(e engine.Engine) gateDecider { return e.RejectGate }))
	gate.AddCommand(gateDecisionCmd("defer", "Defer a gate decision", func(e engine.Engine) gateDecider { return e.DeferGate }))
	gate.AddCommand(&cobra.Command{
		Use:   "reopen <gate-id>",
		Short: "Return a deferred or rejected gate to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.ReopenGate(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g, renderGates([]domain.StageGate{g}))
			})
		},
	})
	return gate
}

type gateDecider func(ctx context.Context, id string, d engine.GateDecision, actorID string) (domain.StageGate, error)

func gateDecisionCmd(verb, short string, pick func(engine.Engine) gateDecider) *cobra.Command {
	var notes string
	var bcValid, nextPlan bool
	cmd := &cobra.Command{
		Use:   verb + " <gate-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := engine.GateDecision{Notes: notes}
			if cmd.Flags().Changed("business-case-valid") {
				d.BusinessCaseStillValid = &bcValid
			}
			if cmd.Flags().Changed("next-plan-approved") {
				d.NextStagePlanApproved = &nextPlan
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := pick(e)(ctx, args[0], d, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g, renderGates([]domain.StageGate{g}))
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	cmd.Flags().BoolVar(&bcValid, "business-case-valid", false, "business case still valid")
	cmd.Flags().BoolVar(&nextPlan, "next-plan-approved", false, "approve the next stage plan with the gate")
	return cmd
}

func renderGates(items []domain.StageGate) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Stage", "Outcome", "Reviewer", "Next Plan Approved"})
		for _, g := range items {
			tw.AppendRow(table.Row{g.ID, g.StageID, g.Outcome, deref(g.Reviewer), g.NextStagePlanApproved})
		}
	}
}

func workPackageCmd() *cobra.Command {
	wp := &cobra.Command{Use: "wp", Short: "Manage work packages"}
	var opts engine.CreateWorkPackageOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a draft work package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = actorID()
				w, err := e.CreateWorkPackage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w, renderWorkPackages([]domain.WorkPackage{w}))
			})
		},
	}
	create.Flags().StringVar(&opts.StageID, "stage", "", "stage id")
	create.Flags().StringVar(&opts.Reference, "ref", "", "reference, unique per project")
	create.Flags().StringVar(&opts.Title, "title", "", "title")
	create.Flags().StringVar(&opts.Description, "description", "", "description")
	create.Flags().StringVar(&opts.Priority, "priority", domain.PriorityMedium, "low, medium, high or critical")
	create.Flags().StringVar(&opts.TeamManager, "team-manager", "", "team manager actor")
	create.Flags().StringVar(&opts.PlannedEndDate, "planned-end", "", "planned end date")
	_ = create.MarkFlagRequired("stage")
	_ = create.MarkFlagRequired("ref")
	_ = create.MarkFlagRequired("title")
	wp.AddCommand(create)

	var title, description, priority, teamManager, plannedEnd string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a draft work package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.WorkPackageUpdate{
				Title:          optionalString(cmd, "title", title),
				Description:    optionalString(cmd, "description", description),
				Priority:       optionalString(cmd, "priority", priority),
				TeamManager:    optionalString(cmd, "team-manager", teamManager),
				PlannedEndDate: optionalString(cmd, "planned-end", plannedEnd),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.UpdateWorkPackage(ctx, args[0], upd, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(w, renderWorkPackages([]domain.WorkPackage{w}))
			})
		},
	}
	update.Flags().StringVar(&title, "title", "", "title")
	update.Flags().StringVar(&description, "description", "", "description")
	update.Flags().StringVar(&priority, "priority", "", "priority")
	update.Flags().StringVar(&teamManager, "team-manager", "", "team manager actor")
	update.Flags().StringVar(&plannedEnd, "planned-end", "", "planned end date")
	wp.AddCommand(update)

	var f repo.WorkPackageFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List work packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				items, err := e.ListWorkPackages(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderWorkPackages(items))
			})
		},
	}
	list.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	wp.AddCommand(list)

	wp.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a work package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkPackage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w, renderWorkPackages([]domain.WorkPackage{w}))
			})
		},
	})

	for _, a := range []struct {
		verb, short string
		pick        func(engine.Engine) func(context.Context, string, string) (domain.WorkPackage, error)
	}{
		{"authorize", "Authorize a draft", func(e engine.Engine) func(context.Context, string, string) (domain.WorkPackage, error) { return e.AuthorizeWorkPackage }},
		{"start", "Start an authorized work package", func(e engine.Engine) func(context.Context, string, string) (domain.WorkPackage, error) { return e.StartWorkPackage }},
		{"complete", "Complete an in-progress work package", func(e engine.Engine) func(context.Context, string, string) (domain.WorkPackage, error) { return e.CompleteWorkPackage }},
		{"close", "Close a completed work package", func(e engine.Engine) func(context.Context, string, string) (domain.WorkPackage, error) { return e.CloseWorkPackage }},
	} {
		pick := a.pick
		wp.AddCommand(&cobra.Command{
			Use:   a.verb + " <id>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					w, err := pick(e)(ctx, args[0], actorID())
					if err != nil {
						return err
					}
					return printJSONOrTable(w, renderWorkPackages([]domain.WorkPackage{w}))
				})
			},
		})
	}

	var pct int
	progress := &cobra.Command{
		Use:   "progress <id>",
		Short: "Report progress of an in-progress work package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ReportWorkPackageProgress(ctx, args[0], pct, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(w, renderWorkPackages([]domain.WorkPackage{w}))
			})
		},
	}
	progress.Flags().IntVar(&pct, "percent", 0, "progress percentage")
	_ = progress.MarkFlagRequired("percent")
	wp.AddCommand(progress)

	wp.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a draft work package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteWorkPackage(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Printf("Deleted work package %s\n", args[0])
				return nil
			})
		},
	})
	return wp
}

func renderWorkPackages(items []domain.WorkPackage) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Ref", "ID", "Title", "Status", "Priority", "Progress", "Team Manager"})
		for _, w := range items {
			tw.AppendRow(table.Row{w.Reference, w.ID, w.Title, w.Status, w.Priority, fmt.Sprintf("%d%%", w.ProgressPercentage), deref(w.TeamManager)})
		}
	}
}

func documentCurrentCmd() *cobra.Command {
	var stageID string
	var baseline bool
	cmd := &cobra.Command{
		Use:   "current <kind>",
		Short: "Show the current version of a document kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				lookup := e.CurrentDocument
				if baseline {
					lookup = e.BaselineDocument
				}
				d, err := lookup(ctx, projectID, args[0], stageID)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id (stage plans only)")
	cmd.Flags().BoolVar(&baseline, "baseline", false, "show the latest approved or baselined version instead")
	return cmd
}

func stageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func stageUpdateCmd() *cobra.Command {
	var name, description, plannedStart, plannedEnd, timeTol, costTol, scopeTol string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit the planning fields of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.StageUpdate{
				Name:           optionalString(cmd, "name", name),
				Description:    optionalString(cmd, "description", description),
				PlannedStart:   optionalString(cmd, "planned-start", plannedStart),
				PlannedEnd:     optionalString(cmd, "planned-end", plannedEnd),
				TimeTolerance:  optionalString(cmd, "time-tolerance", timeTol),
				CostTolerance:  optionalString(cmd, "cost-tolerance", costTol),
				ScopeTolerance: optionalString(cmd, "scope-tolerance", scopeTol),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.UpdateStage(ctx, args[0], upd, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s, renderStages([]domain.Stage{s}))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&plannedStart, "planned-start", "", "planned start date")
	cmd.Flags().StringVar(&plannedEnd, "planned-end", "", "planned end date")
	cmd.Flags().StringVar(&timeTol, "time-tolerance", "", "stage time tolerance")
	cmd.Flags().StringVar(&costTol, "cost-tolerance", "", "stage cost tolerance")
	cmd.Flags().StringVar(&scopeTol, "scope-tolerance", "", "stage scope tolerance")
	return cmd
}

func gateShowCmd() *cobra.Command {
	var byStage bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a gate, or the gate of a stage with --stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lookup := e.GetGate
				if byStage {
					lookup = e.GateForStage
				}
				g, err := lookup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	cmd.Flags().BoolVar(&byStage, "stage", false, "treat the argument as a stage id")
	return cmd
}

func gateUpdateCmd() *cobra.Command {
	var summary, lessons string
	var completed, pending []string
	var bcValid, nextPlan bool
	cmd := &cobra.Command{
		Use:   "update <gate-id>",
		Short: "Edit a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.GateUpdate{
				StagePerformanceSummary: optionalString(cmd, "summary", summary),
				LessonsLearned:          optionalString(cmd, "lessons", lessons),
			}
			if cmd.Flags().Changed("completed") {
				upd.ProductsCompleted = completed
			}
			if cmd.Flags().Changed("pending") {
				upd.ProductsPending = pending
			}
			if cmd.Flags().Changed("business-case-valid") {
				upd.BusinessCaseStillValid = &bcValid
			}
			if cmd.Flags().Changed("next-plan-approved") {
				upd.NextStagePlanApproved = &nextPlan
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.UpdateGate(ctx, args[0], upd, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g, renderGates([]domain.StageGate{g}))
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "stage performance summary")
	cmd.Flags().StringVar(&lessons, "lessons", "", "lessons learned")
	cmd.Flags().StringSliceVar(&completed, "completed", nil, "completed products")
	cmd.Flags().StringSliceVar(&pending, "pending", nil, "pending products")
	cmd.Flags().BoolVar(&bcValid, "business-case-valid", false, "business case still valid")
	cmd.Flags().BoolVar(&nextPlan, "next-plan-approved", false, "approve the next stage plan with the gate")
	return cmd
}
