package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	fetchMaxChars      = 20000
	fetchMaxRedirects  = 3
	fetchErrorMaxChars = 1000
	fetchTimeout       = 30 * time.Second
	fetchUserAgent     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractURLs pulls http(s) URLs out of user text, trailing punctuation
// stripped, order preserved, duplicates dropped. The engine passes these
// into the tool context as verified.
func ExtractURLs(text string) []string {
	matches := urlRe.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?")
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// WebFetchTool retrieves a page and hands its readable text to the model.
type WebFetchTool struct {
	maxChars int
	cache    *webCache
	client   *http.Client
	ssrf     func(string) error
}

type WebFetchConfig struct {
	MaxChars int
	CacheTTL time.Duration
}

func NewWebFetchTool(cfg WebFetchConfig) *WebFetchTool {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = fetchMaxChars
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	t := &WebFetchTool{
		maxChars: maxChars,
		cache:    newWebCache(defaultCacheMaxEntries, ttl),
		ssrf:     checkSSRF,
	}
	t.client = &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			if err := t.ssrf(req.URL.String()); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and read its content as plain text. Use for links people share in chat."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"maxChars": map[string]any{
				"type":        "number",
				"description": "Maximum characters to return (truncates when exceeded).",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return ErrorResult("missing hostname in URL")
	}
	if err := t.ssrf(rawURL); err != nil {
		return ErrorResult(fmt.Sprintf("blocked: %v", err))
	}
	if !urlVerified(ctx, rawURL) {
		slog.Debug("tools.fetch_unverified_url", "url", rawURL)
	}

	maxChars := t.maxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	cacheKey := fmt.Sprintf("fetch:%s:%d", rawURL, maxChars)
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("web_fetch cache hit", "url", rawURL)
		return NewResult(cached)
	}

	text, err := t.doFetch(ctx, rawURL, maxChars)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %s",
			truncateStr(err.Error(), fetchErrorMaxChars))).WithError(err)
	}

	wrapped := wrapExternalContent(text, rawURL, true)
	t.cache.set(cacheKey, wrapped)
	return NewResult(wrapped)
}

// urlVerified reports whether the human typed this URL themselves.
func urlVerified(ctx context.Context, rawURL string) bool {
	for _, u := range VerifiedURLsFromCtx(ctx) {
		if u == rawURL {
			return true
		}
	}
	return false
}

func (t *WebFetchTool) doFetch(ctx context.Context, rawURL string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Read extra to absorb markup overhead before extraction.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	var text string
	switch {
	case strings.Contains(contentType, "application/json"):
		text = prettyJSON(body)
	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		text = htmlToText(string(body))
	case strings.Contains(contentType, "text/markdown"):
		text = markdownToText(string(body))
	default:
		text = string(body)
	}

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\n", resp.Request.URL, resp.StatusCode)
	if truncated {
		fmt.Fprintf(&sb, "Truncated at %d chars\n", maxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return sb.String(), nil
}
