package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"

	"github.com/TWN-Systems/strix/internal/tools"
)

const maxResponseBodyPreview = 10000

// proxyActions registers raw request crafting, the testing counterpart of
// browsing: arbitrary method, headers, and body against a target endpoint,
// with the full response surfaced for analysis.
func proxyActions(deps Deps) []tools.Registration {
	return []tools.Registration{
		{
			Name:         "http_request",
			Module:       "proxy",
			Description:  "Send a crafted HTTP request (any method, custom headers and body) and return status, headers, and body. The primary tool for probing injection points and auth flows.",
			NeedsSandbox: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				method := strings.ToUpper(optionalString(args, "method"))
				if method == "" {
					method = http.MethodGet
				}
				rawURL, err := stringArg(args, "url")
				if err != nil {
					return nil, err
				}
				headers := stringMap(args, "headers")
				body := optionalString(args, "body")
				return sendRequest(ctx, deps.HTTPClient, method, rawURL, headers, body)
			},
			Args: []tools.ArgSpec{
				{Name: "url", Type: tools.TypeString, Description: "Absolute http(s) URL", Required: true},
				{Name: "method", Type: tools.TypeString, Description: "HTTP method (default GET)", Required: false},
				{Name: "headers", Type: tools.TypeObject, Description: "Request headers as a JSON object", Required: false},
				{Name: "body", Type: tools.TypeString, Description: "Request body", Required: false},
			},
		},
	}
}

func sendRequest(ctx context.Context, client *http.Client, method, rawURL string, headers map[string]string, body string) (any, error) {
	parsed, err := neturl.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("URL must use http or https, got %q", parsed.Scheme)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for name, value := range headers {
		if strings.EqualFold(name, "host") {
			req.Host = value
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	responseHeaders := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		responseHeaders[name] = resp.Header.Get(name)
	}

	bodyText := string(payload)
	truncated := false
	if len(bodyText) > maxResponseBodyPreview {
		bodyText = bodyText[:maxResponseBodyPreview]
		truncated = true
	}

	return map[string]any{
		"status_code":    resp.StatusCode,
		"headers":        responseHeaders,
		"body":           bodyText,
		"body_truncated": truncated,
		"content_length": len(payload),
	}, nil
}
