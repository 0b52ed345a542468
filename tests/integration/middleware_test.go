//go:build integration

package integration

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"testing"
)

// edgeDo issues one request with extra headers against the running server.
func edgeDo(t *testing.T, method, path string, header map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, baseURL+path, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestEdgeRequestID(t *testing.T) {
	t.Run("generated", func(t *testing.T) {
		resp := edgeDo(t, http.MethodGet, "/livez", nil)
		defer resp.Body.Close()

		if resp.Header.Get("X-Request-ID") == "" {
			t.Error("no X-Request-ID on the response")
		}
	})

	t.Run("echoed", func(t *testing.T) {
		resp := edgeDo(t, http.MethodGet, "/livez", map[string]string{
			"X-Request-ID": "edge-test-7f3a",
		})
		defer resp.Body.Close()

		if got := resp.Header.Get("X-Request-ID"); got != "edge-test-7f3a" {
			t.Errorf("X-Request-ID: got %q, want the echoed value", got)
		}
	})

	t.Run("oversized replaced", func(t *testing.T) {
		resp := edgeDo(t, http.MethodGet, "/livez", map[string]string{
			"X-Request-ID": strings.Repeat("x", 200),
		})
		defer resp.Body.Close()

		got := resp.Header.Get("X-Request-ID")
		if got == "" || len(got) > 128 {
			t.Errorf("oversized id not replaced, got %d bytes", len(got))
		}
	})
}

func TestEdgeCORS(t *testing.T) {
	t.Run("preflight", func(t *testing.T) {
		resp := edgeDo(t, http.MethodOptions, "/mcp", map[string]string{
			"Origin":                        "http://example.com",
			"Access-Control-Request-Method": "POST",
		})
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") == "" {
			t.Error("no Access-Control-Allow-Origin on preflight")
		}
		if methods := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "POST") {
			t.Errorf("allowed methods %q do not include POST", methods)
		}
	})

	t.Run("actual request", func(t *testing.T) {
		resp := edgeDo(t, http.MethodGet, "/livez", map[string]string{
			"Origin": "http://example.com",
		})
		defer resp.Body.Close()

		if acao := resp.Header.Get("Access-Control-Allow-Origin"); acao == "" {
			t.Error("no Access-Control-Allow-Origin on actual request")
		}
	})
}

// TestEdgeRateLimitHeaders checks the advertised budget; the suite never
// sends enough traffic to trip the 600/min default.
func TestEdgeRateLimitHeaders(t *testing.T) {
	resp := edgeDo(t, http.MethodGet, "/livez", nil)
	defer resp.Body.Close()

	if limit := resp.Header.Get("X-RateLimit-Limit"); limit != "600" {
		t.Errorf("X-RateLimit-Limit: got %q, want 600", limit)
	}

	remaining, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	if err != nil || remaining < 0 || remaining >= 600 {
		t.Errorf("X-RateLimit-Remaining: got %q", resp.Header.Get("X-RateLimit-Remaining"))
	}

	if _, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err != nil {
		t.Errorf("X-RateLimit-Reset is not unix seconds: %v", err)
	}
}
