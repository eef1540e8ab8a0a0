package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/internal/tui"
)

func (a *App) projectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Inspect generated projects",
	}
	cmd.AddCommand(a.projectGetCommand(), a.projectListCommand())
	return cmd
}

func (a *App) projectGetCommand() *cobra.Command {
	var showCode bool
	var output string
	cmd := &cobra.Command{
		Use:   "get <project-id>",
		Short: "Show one project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := domain.ValidateProjectID(args[0]); err != nil {
				return err
			}
			api, err := a.apiClient("request_timeout")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.v.GetDuration("request_timeout"))
			defer cancel()
			project, err := api.GetProject(ctx, args[0])
			if err != nil {
				return err
			}

			if output != "" {
				if !project.HasCode() {
					return fmt.Errorf("project %s has no generated code", args[0])
				}
				if err := os.WriteFile(output, []byte(project.Code), 0o644); err != nil {
					return err
				}
				tui.ShowSuccess(a.out, "Saved code to "+output)
				return nil
			}
			if showCode {
				fmt.Fprint(a.out, project.Code)
				return nil
			}
			fmt.Fprintf(a.out, "%s %s\n", tui.BoldStyle.Render(project.Name), tui.DimStyle.Render("("+args[0]+")"))
			if project.Description != "" {
				fmt.Fprintln(a.out, project.Description)
			}
			if project.Industry != "" {
				fmt.Fprintln(a.out, "industry: "+project.Industry)
			}
			if !project.CreatedAt.IsZero() {
				fmt.Fprintln(a.out, "created:  "+project.CreatedAt.Format("2006-01-02 15:04"))
			}
			if project.HasCode() {
				fmt.Fprintf(a.out, "code:     %d bytes\n", len(project.Code))
			} else {
				tui.ShowInfo(a.out, "no generated code yet")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showCode, "code", false, "print the generated HTML")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the generated HTML to a file")
	return cmd
}

func (a *App) projectListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List generated projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.apiClient("request_timeout")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.v.GetDuration("request_timeout"))
			defer cancel()
			projects, err := api.ListProjects(ctx)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				tui.ShowInfo(a.out, "no projects yet")
				return nil
			}
			fmt.Fprintln(a.out, tui.ProjectsTable(projects))
			return nil
		},
	}
}
