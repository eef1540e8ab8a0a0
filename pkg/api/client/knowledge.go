package client

import (
	"context"
	"encoding/json"
	"net/http"
)

// Knowledge-base responses carry free-form entries; they are kept raw and
// rendered by the caller.

// InsightsResult is returned by the insights endpoint.
type InsightsResult struct {
	Insights []json.RawMessage `json:"insights"`
}

// SearchResult is returned by the knowledge-base search endpoint.
type SearchResult struct {
	Results []json.RawMessage `json:"results"`
}

// SimilarDesignsResult is returned by the similar-designs endpoint.
type SimilarDesignsResult struct {
	Designs []json.RawMessage `json:"designs"`
}

// ContentSuggestionsResult is returned by the content-suggestions endpoint.
type ContentSuggestionsResult struct {
	Suggestions []json.RawMessage `json:"suggestions"`
}

// Insights queries the knowledge base for design insights.
func (c *Client) Insights(ctx context.Context, query string) (InsightsResult, error) {
	var resp InsightsResult
	body := map[string]any{"query": query}
	if err := c.do(ctx, http.MethodPost, "/api/rag/insights", body, &resp); err != nil {
		return InsightsResult{}, err
	}
	return resp, nil
}

// SearchKnowledgeBase runs a filtered knowledge-base search.
func (c *Client) SearchKnowledgeBase(ctx context.Context, query string, filters map[string]string) (SearchResult, error) {
	if filters == nil {
		filters = map[string]string{}
	}
	var resp SearchResult
	body := map[string]any{"query": query, "filters": filters}
	if err := c.do(ctx, http.MethodPost, "/api/rag/search", body, &resp); err != nil {
		return SearchResult{}, err
	}
	return resp, nil
}

// SimilarDesigns finds designs close to a business description.
func (c *Client) SimilarDesigns(ctx context.Context, description string) (SimilarDesignsResult, error) {
	var resp SimilarDesignsResult
	body := map[string]any{"description": description}
	if err := c.do(ctx, http.MethodPost, "/api/rag/similar-designs", body, &resp); err != nil {
		return SimilarDesignsResult{}, err
	}
	return resp, nil
}

// ContentSuggestions proposes copy for a page section in an industry.
func (c *Client) ContentSuggestions(ctx context.Context, industry, section string) (ContentSuggestionsResult, error) {
	var resp ContentSuggestionsResult
	body := map[string]any{"industry": industry, "section": section}
	if err := c.do(ctx, http.MethodPost, "/api/rag/content-suggestions", body, &resp); err != nil {
		return ContentSuggestionsResult{}, err
	}
	return resp, nil
}
