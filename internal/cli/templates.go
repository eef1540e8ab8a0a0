package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/splax/devmarket/internal/catalog"
	"github.com/splax/devmarket/internal/tui"
)

func (a *App) templatesCommand() *cobra.Command {
	var filter catalog.Filter
	var format string
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Browse the template catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.apiClient("request_timeout")
			if err != nil {
				return err
			}
			cat, err := catalog.New(api, a.log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), a.v.GetDuration("request_timeout"))
			defer cancel()
			result := cat.List(ctx, filter)

			switch format {
			case "json":
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			case "yaml":
				enc := yaml.NewEncoder(a.out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(result.Templates)
			case "table", "":
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			if result.Fallback {
				tui.ShowInfo(a.out, "template service unavailable; showing bundled templates")
			}
			if len(result.Templates) == 0 {
				tui.ShowInfo(a.out, "no templates match")
				return nil
			}
			fmt.Fprintln(a.out, tui.TemplatesTable(result.Templates))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&filter.Category, "category", "", "category filter")
	flags.StringVar(&filter.Industry, "industry", "", "industry filter")
	flags.StringVarP(&filter.Search, "search", "s", "", "match names and descriptions")
	flags.StringVarP(&format, "format", "f", "table", "output format (table, json, yaml)")
	return cmd
}
