package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/internal/tui"
	"github.com/splax/devmarket/pkg/api/client"
)

func (a *App) apiClient(timeoutKey string) (*client.Client, error) {
	return client.New(a.v.GetString("api_url"), client.WithTimeout(a.v.GetDuration(timeoutKey)))
}

func (a *App) generateCommand() *cobra.Command {
	var input client.GenerateInput
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a landing page project",
		Example: `  devmarket generate --name Acme --description "Rocket rentals" --industry SaaS
  devmarket generate --name Bistro --description "Neighbourhood bistro" --industry Restaurant --template restaurant-nav-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			input.Name = strings.TrimSpace(input.Name)
			input.Description = strings.TrimSpace(input.Description)
			input.Industry = strings.TrimSpace(input.Industry)
			if input.Name == "" || input.Description == "" || input.Industry == "" {
				return fmt.Errorf("%w: --name, --description and --industry are required", domain.ErrInvalidArgument)
			}
			api, err := a.apiClient("generate_timeout")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.v.GetDuration("generate_timeout"))
			defer cancel()

			var result client.GenerateResult
			err = a.withSpinner(ctx, "Generating landing page", func(ctx context.Context) error {
				var err error
				result, err = api.Generate(ctx, input)
				return err
			})
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}
			a.log.Info("project generated", "project_id", result.ProjectID)
			tui.ShowSuccess(a.out, "Generated project "+result.ProjectID)
			tui.ShowInfo(a.out, fmt.Sprintf("deploy it with: devmarket deploy %s --platform %s", result.ProjectID, domain.PlatformNetlify))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&input.Name, "name", "", "business name")
	flags.StringVar(&input.Description, "description", "", "what the business does")
	flags.StringVar(&input.Industry, "industry", "", "industry ("+strings.Join(domain.Industries, ", ")+")")
	flags.StringVar(&input.TargetAudience, "audience", "", "target audience")
	flags.StringVar(&input.KeyFeatures, "features", "", "key features to highlight")
	flags.StringVar(&input.ColorScheme, "colors", "", "preferred color scheme")
	flags.StringVar(&input.AdditionalRequirements, "requirements", "", "additional requirements")
	flags.StringVar(&input.TemplateID, "template", "", "catalog template to start from")
	return cmd
}
