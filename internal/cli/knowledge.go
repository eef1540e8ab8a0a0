package cli

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
)

func (a *App) knowledgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kb",
		Aliases: []string{"knowledge"},
		Short:   "Query the design knowledge base",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "insights <query>",
		Short: "Design insights for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.queryKnowledge(cmd.Context(), func(ctx context.Context) (any, error) {
				api, err := a.apiClient("request_timeout")
				if err != nil {
					return nil, err
				}
				return api.Insights(ctx, strings.Join(args, " "))
			})
		},
	})

	var filters map[string]string
	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.queryKnowledge(cmd.Context(), func(ctx context.Context) (any, error) {
				api, err := a.apiClient("request_timeout")
				if err != nil {
					return nil, err
				}
				return api.SearchKnowledgeBase(ctx, strings.Join(args, " "), filters)
			})
		},
	}
	search.Flags().StringToStringVar(&filters, "filter", nil, "search filters as key=value")
	cmd.AddCommand(search)

	cmd.AddCommand(&cobra.Command{
		Use:   "similar <description>",
		Short: "Designs similar to a business description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.queryKnowledge(cmd.Context(), func(ctx context.Context) (any, error) {
				api, err := a.apiClient("request_timeout")
				if err != nil {
					return nil, err
				}
				return api.SimilarDesigns(ctx, strings.Join(args, " "))
			})
		},
	})

	var industry, section string
	suggest := &cobra.Command{
		Use:   "suggest",
		Short: "Content suggestions for a page section",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.queryKnowledge(cmd.Context(), func(ctx context.Context) (any, error) {
				api, err := a.apiClient("request_timeout")
				if err != nil {
					return nil, err
				}
				return api.ContentSuggestions(ctx, industry, section)
			})
		},
	}
	suggest.Flags().StringVar(&industry, "industry", "", "industry")
	suggest.Flags().StringVar(&section, "section", "hero", "page section")
	cobra.CheckErr(suggest.MarkFlagRequired("industry"))
	cmd.AddCommand(suggest)
	return cmd
}

func (a *App) queryKnowledge(ctx context.Context, fn func(context.Context) (any, error)) error {
	ctx, cancel := context.WithTimeout(ctx, a.v.GetDuration("request_timeout"))
	defer cancel()
	result, err := fn(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
