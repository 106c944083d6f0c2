package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const ddgSearchEndpoint = "https://html.duckduckgo.com/html/"

type duckDuckGoSearchProvider struct {
	endpoint string
	client   *http.Client
}

func newDuckDuckGoSearchProvider() *duckDuckGoSearchProvider {
	return &duckDuckGoSearchProvider{
		endpoint: ddgSearchEndpoint,
		client:   &http.Client{Timeout: searchTimeout},
	}
}

func (p *duckDuckGoSearchProvider) Name() string { return "duckduckgo" }

func (p *duckDuckGoSearchProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.endpoint+"?q="+url.QueryEscape(params.Query), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return extractDDGResults(string(body), params.Count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
)

func extractDDGResults(html string, count int) []searchResult {
	linkMatches := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	if len(linkMatches) == 0 {
		return nil
	}
	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []searchResult
	for i := 0; i < len(linkMatches) && i < count; i++ {
		results = append(results, searchResult{
			Title:       strings.TrimSpace(reTag.ReplaceAllString(linkMatches[i][2], "")),
			URL:         unwrapDDGRedirect(linkMatches[i][1]),
			Description: ddgSnippetAt(snippetMatches, i),
		})
	}
	return results
}

func ddgSnippetAt(matches [][]string, i int) string {
	if i >= len(matches) {
		return ""
	}
	return strings.TrimSpace(reTag.ReplaceAllString(matches[i][1], ""))
}

// unwrapDDGRedirect extracts the real target from DDG's /l/?uddg=…
// redirect wrapper; anything else passes through unchanged.
func unwrapDDGRedirect(rawURL string) string {
	if !strings.Contains(rawURL, "uddg=") {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return rawURL
}
