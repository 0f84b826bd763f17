package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/model"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 20
)

// instantAnswer is the subset of the DuckDuckGo instant answer payload we read.
type instantAnswer struct {
	Heading       string         `json:"Heading"`
	AbstractText  string         `json:"AbstractText"`
	AbstractURL   string         `json:"AbstractURL"`
	Answer        string         `json:"Answer"`
	RelatedTopics []relatedTopic `json:"RelatedTopics"`
}

type relatedTopic struct {
	Text     string         `json:"Text"`
	FirstURL string         `json:"FirstURL"`
	Name     string         `json:"Name"`
	Topics   []relatedTopic `json:"Topics"`
}

func createWebSearchTool(client *http.Client, endpoint string) tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolWebSearch,
			Desc: "Search the web for up-to-date facts, news, prices or definitions. Returns titles, snippets and links.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {
					Type:     schema.String,
					Desc:     "Search keywords",
					Required: true,
				},
				"max_results": {
					Type: schema.Integer,
					Desc: "Maximum number of results to return (default: 5, max: 20)",
				},
			}),
		},
		func(ctx context.Context, in *model.SearchInput) (*model.SearchOutput, error) {
			return search(ctx, client, endpoint, in)
		},
	)
}

func search(ctx context.Context, client *http.Client, endpoint string, in *model.SearchInput) (*model.SearchOutput, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = defaultSearchResults
	}
	if limit > maxSearchResults {
		limit = maxSearchResults
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload instantAnswer
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]model.SearchResult, 0, limit)
	if payload.Answer != "" {
		results = append(results, model.SearchResult{Title: "Answer", Snippet: payload.Answer})
	}
	if payload.AbstractText != "" {
		results = append(results, model.SearchResult{Title: payload.Heading, Snippet: payload.AbstractText, URL: payload.AbstractURL})
	}
	results = appendTopics(results, payload.RelatedTopics)
	if len(results) > limit {
		results = results[:limit]
	}

	return &model.SearchOutput{Query: query, Results: results, Total: len(results)}, nil
}

// appendTopics flattens grouped topics into results.
func appendTopics(results []model.SearchResult, topics []relatedTopic) []model.SearchResult {
	for _, t := range topics {
		if len(t.Topics) > 0 {
			results = appendTopics(results, t.Topics)
			continue
		}
		if t.Text == "" {
			continue
		}
		title := t.Text
		if i := strings.Index(title, " - "); i > 0 {
			title = title[:i]
		}
		results = append(results, model.SearchResult{Title: title, Snippet: t.Text, URL: t.FirstURL})
	}
	return results
}
