package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchExtractsTitleAndText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
			<head><title>Cell Biology</title><style>body { color: red }</style></head>
			<body>
				<script>var tracking = true;</script>
				<p>Cells are the   basic unit of life.</p>
				<div>They contain organelles.</div>
			</body>
		</html>`))
	}))
	defer srv.Close()

	page, err := New().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.Title != "Cell Biology" {
		t.Fatalf("unexpected title %q", page.Title)
	}
	if !strings.Contains(page.Text, "basic unit of life") {
		t.Fatalf("text missing body content: %q", page.Text)
	}
	if strings.Contains(page.Text, "tracking") || strings.Contains(page.Text, "color: red") {
		t.Fatalf("script/style leaked into text: %q", page.Text)
	}
	if strings.Contains(page.Text, "  ") {
		t.Fatalf("whitespace not collapsed: %q", page.Text)
	}
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := New().Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("want error for 404 response")
	}
}

func TestFetchRejectsEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><script>only_code();</script></head><body></body></html>`))
	}))
	defer srv.Close()

	if _, err := New().Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("want error when no text can be extracted")
	}
}
