package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/server"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func renderProjects(items []domain.Project) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created By", "Created At"})
		for _, p := range items {
			tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedBy, p.CreatedAt})
		}
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderProjects(items))
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc, policyFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project; the acting actor joins the board with the configured creator role",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateProjectOptions{ID: id, Name: name, Description: desc, ActorID: actorID()}
			if policyFile != "" {
				cfg, err := config.FromFile(policyFile)
				if err != nil {
					return err
				}
				opts.Config = cfg
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p, renderProjects([]domain.Project{p}))
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&policyFile, "config", "", "governance policy YAML for this project")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p, renderProjects([]domain.Project{p}))
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage governance policy"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default policy to the workspace stageline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault("default")), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a policy file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid (%d actions, %d stages in template)\n", filePath, len(cfg.Policy.Actions), len(cfg.Stages.Template))
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "policy file (defaults to the workspace stageline.yml)")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the policy stored for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				cfg, err := e.ProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				data, err := cfg.YAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace a project's policy from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				next, err := e.UpdateProjectConfig(ctx, projectID, cfg, actorID())
				if err != nil {
					return err
				}
				fmt.Printf("Imported policy into project %s (%d actions)\n", projectID, len(next.Policy.Actions))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML policy")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func boardCmd() *cobra.Command {
	board := &cobra.Command{Use: "board", Short: "Manage the project board"}
	board.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List board members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListBoard(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Actor", "Role", "Added By", "Since"})
					for _, m := range items {
						tw.AppendRow(table.Row{m.ActorID, m.Role, m.AddedBy, m.CreatedAt})
					}
				})
			})
		},
	})
	board.AddCommand(&cobra.Command{
		Use:   "add <actor> <role>",
		Short: "Give an actor a board role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				m, err := e.AddBoardMember(ctx, projectID, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m, nil)
			})
		},
	})
	board.AddCommand(&cobra.Command{
		Use:   "remove <actor> <role>",
		Short: "Remove a board role from an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if err := e.RemoveBoardMember(ctx, projectID, args[0], args[1], actorID()); err != nil {
					return err
				}
				fmt.Printf("Removed %s from %s\n", args[1], args[0])
				return nil
			})
		},
	})
	return board
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plain, err := e.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("API key for %s (shown once): %s\n", key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)
	return keys
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the acting actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), actorID(), ttl)
			if err != nil {
				return fmt.Errorf("%w (set STAGELINE_JWT_SECRET)", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
