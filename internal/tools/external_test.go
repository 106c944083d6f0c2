package tools

import (
	"strings"
	"testing"
)

func TestCheckSSRF(t *testing.T) {
	// Only literal-IP and hostname-pattern cases here; anything needing a
	// live DNS lookup would make the test flaky.
	blocked := []string{
		"http://127.0.0.1/admin",
		"http://127.0.0.1:8080/",
		"https://10.0.0.5/",
		"http://192.168.1.1/router",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"http://0.0.0.0/",
		"http://localhost/",
		"http://localhost:3000/api",
		"http://dev.localhost/",
		"http://printer.local/",
		"http://vault.internal/secrets",
		"notaurl",
		"http:///path",
	}
	for _, raw := range blocked {
		if err := checkSSRF(raw); err == nil {
			t.Errorf("checkSSRF(%q) = nil, want error", raw)
		}
	}

	allowed := []string{
		"http://93.184.216.34/",
		"https://[2606:2800:220:1:248:1893:25c8:1946]/",
	}
	for _, raw := range allowed {
		if err := checkSSRF(raw); err != nil {
			t.Errorf("checkSSRF(%q) = %v, want nil", raw, err)
		}
	}
}

func TestWrapExternalContent(t *testing.T) {
	got := wrapExternalContent("hello", "https://example.com/page", true)
	if !strings.Contains(got, `<external_content source="https://example.com/page">`) {
		t.Errorf("missing source frame: %q", got)
	}
	if !strings.Contains(got, "</external_content>") {
		t.Errorf("missing closing frame: %q", got)
	}
	if !strings.Contains(got, "not yours") {
		t.Errorf("missing untrusted notice: %q", got)
	}

	trusted := wrapExternalContent("hello", "web search", false)
	if !strings.HasSuffix(trusted, "</external_content>") {
		t.Errorf("trusted frame should end at the closing tag: %q", trusted)
	}
	if strings.Contains(trusted, "not yours") {
		t.Errorf("trusted content carries untrusted notice: %q", trusted)
	}
}

func TestTruncateStr(t *testing.T) {
	if got := truncateStr("abcdef", 4); got != "abcd..." {
		t.Errorf("got %q", got)
	}
	if got := truncateStr("ab", 4); got != "ab" {
		t.Errorf("got %q", got)
	}
}
