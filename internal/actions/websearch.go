package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/TWN-Systems/strix/internal/tools"
)

const defaultSearchResults = 5

// searchActions registers web search over the DuckDuckGo HTML endpoint,
// which needs no API key and parses cleanly. Runs in the agent process
// since it only talks to the public internet.
func searchActions(deps Deps) []tools.Registration {
	return []tools.Registration{
		{
			Name:        "web_search",
			Module:      "web_search",
			Description: "Search the web and return result titles, URLs, and snippets. Use for CVE details, default credentials, technology fingerprints, and documentation.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				query, err := stringArg(args, "query")
				if err != nil {
					return nil, err
				}
				if strings.TrimSpace(query) == "" {
					return nil, fmt.Errorf("query cannot be empty")
				}
				limit := optionalInt(args, "max_results", defaultSearchResults)
				if limit <= 0 || limit > 20 {
					limit = defaultSearchResults
				}
				return searchWeb(ctx, deps, query, limit)
			},
			Args: []tools.ArgSpec{
				{Name: "query", Type: tools.TypeString, Description: "Search query", Required: true},
				{Name: "max_results", Type: tools.TypeInt, Description: "Result cap, 1 to 20 (default 5)", Required: false},
			},
		},
	}
}

func searchWeb(ctx context.Context, deps Deps, query string, limit int) (any, error) {
	endpoint := strings.TrimRight(deps.SearchBaseURL, "/") + "/html/?q=" + neturl.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("User-Agent", "strix-agent/1.0")

	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	var results []map[string]any
	doc.Find(".result").EachWithBreak(func(i int, s *goquery.Selection) bool {
		anchor := s.Find("a.result__a").First()
		title := strings.TrimSpace(anchor.Text())
		href, _ := anchor.Attr("href")
		if title == "" || href == "" {
			return true
		}
		results = append(results, map[string]any{
			"title":   title,
			"url":     unwrapSearchRedirect(href),
			"snippet": strings.TrimSpace(s.Find(".result__snippet").Text()),
		})
		return len(results) < limit
	})

	return map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	}, nil
}

// unwrapSearchRedirect resolves DuckDuckGo's /l/?uddg= indirection back to
// the destination URL. Anything else passes through untouched.
func unwrapSearchRedirect(href string) string {
	parsed, err := neturl.Parse(href)
	if err != nil {
		return href
	}
	if !strings.HasSuffix(parsed.Path, "/l/") && parsed.Path != "/l" {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
