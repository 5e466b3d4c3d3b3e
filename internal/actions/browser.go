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

const maxPageContent = 15000

// browserActions registers the HTML-level browser. It fetches pages and
// extracts what a tester reads first: title and visible text, outgoing
// links, and form targets with their inputs.
func browserActions(deps Deps) []tools.Registration {
	return []tools.Registration{
		{
			Name:         "browser_action",
			Module:       "browser",
			Description:  "Open a URL and extract content. action=fetch returns title and readable text; links lists anchors; forms lists every form with method, action, and inputs.",
			NeedsSandbox: true,
			Sequential:   true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				action, err := stringArg(args, "action")
				if err != nil {
					return nil, err
				}
				rawURL, err := stringArg(args, "url")
				if err != nil {
					return nil, err
				}
				doc, finalURL, err := fetchDocument(ctx, deps.HTTPClient, rawURL)
				if err != nil {
					return nil, err
				}
				switch action {
				case "fetch":
					return pageContent(doc, finalURL), nil
				case "links":
					return pageLinks(doc, finalURL), nil
				case "forms":
					return pageForms(doc, finalURL), nil
				default:
					return nil, fmt.Errorf("unknown browser action %q (expected fetch, links or forms)", action)
				}
			},
			Args: []tools.ArgSpec{
				{Name: "action", Type: tools.TypeString, Description: "One of fetch, links, forms", Required: true},
				{Name: "url", Type: tools.TypeString, Description: "Absolute http(s) URL to open", Required: true},
			},
		},
	}
}

func fetchDocument(ctx context.Context, client *http.Client, rawURL string) (*goquery.Document, string, error) {
	parsed, err := neturl.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("URL must use http or https, got %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "strix-agent/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", parsed.String(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, parsed.String())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, "", fmt.Errorf("parse HTML: %w", err)
	}
	return doc, resp.Request.URL.String(), nil
}

// pageContent renders the readable portion of a page: title, headings, and
// paragraph-level text, with script/style noise stripped.
func pageContent(doc *goquery.Document, url string) map[string]any {
	doc.Find("script, style, nav, footer, aside, iframe").Remove()

	title := strings.TrimSpace(doc.Find("title").Text())

	var content strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			content.WriteString(text + "\n")
		}
	})
	doc.Find("p, li, pre, td").Each(func(i int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			content.WriteString(text + "\n")
		}
	})

	text := content.String()
	if len(text) > maxPageContent {
		text = text[:maxPageContent] + "\n[content truncated]"
	}
	return map[string]any{
		"url":     url,
		"title":   title,
		"content": text,
	}
}

func pageLinks(doc *goquery.Document, url string) map[string]any {
	base, _ := neturl.Parse(url)
	seen := make(map[string]bool)
	var links []map[string]any
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if base != nil {
			if resolved, err := base.Parse(href); err == nil {
				href = resolved.String()
			}
		}
		if seen[href] {
			return
		}
		seen[href] = true
		links = append(links, map[string]any{
			"href": href,
			"text": strings.TrimSpace(s.Text()),
		})
	})
	return map[string]any{
		"url":   url,
		"count": len(links),
		"links": links,
	}
}

func pageForms(doc *goquery.Document, url string) map[string]any {
	base, _ := neturl.Parse(url)
	var forms []map[string]any
	doc.Find("form").Each(func(i int, s *goquery.Selection) {
		action, _ := s.Attr("action")
		if base != nil && action != "" {
			if resolved, err := base.Parse(action); err == nil {
				action = resolved.String()
			}
		}
		method, _ := s.Attr("method")
		if method == "" {
			method = "GET"
		}
		var inputs []map[string]any
		s.Find("input, textarea, select").Each(func(j int, in *goquery.Selection) {
			name, _ := in.Attr("name")
			if name == "" {
				return
			}
			inputType, _ := in.Attr("type")
			if inputType == "" {
				inputType = goquery.NodeName(in)
			}
			inputs = append(inputs, map[string]any{
				"name": name,
				"type": inputType,
			})
		})
		forms = append(forms, map[string]any{
			"action": action,
			"method": strings.ToUpper(method),
			"inputs": inputs,
		})
	})
	return map[string]any{
		"url":   url,
		"count": len(forms),
		"forms": forms,
	}
}
