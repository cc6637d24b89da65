package routing

import "testing"

func testClassifier(t *testing.T) *Classifier {
	t.Helper()
	a, err := ParseAllowlistYAML([]byte(sampleAllowlist))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	return c
}

func TestClassifierExactAndPattern(t *testing.T) {
	c := testClassifier(t)

	cases := []struct {
		path string
		want RouteClass
	}{
		{path: "/health", want: RouteClassOps},
		{path: "/api/members", want: RouteClassInternalAPI},
		{path: "/public/api/registrations/abc123", want: RouteClassPublicAPI},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.path); got != tc.want {
			t.Fatalf("Classify(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestClassifierConventionFallback(t *testing.T) {
	c := testClassifier(t)

	cases := []struct {
		path string
		want RouteClass
	}{
		{path: "/api/wallet/withdrawals", want: RouteClassInternalAPI},
		{path: "/internal/api/rules/withdrawals/evaluate", want: RouteClassInternalAPI},
		{path: "/public/api/registrations", want: RouteClassPublicAPI},
		{path: "/webhooks/payments", want: RouteClassWebhook},
		{path: "/assets/app.css", want: RouteClassStatic},
		{path: "/healthz", want: RouteClassOps},
		{path: "/anything-else", want: RouteClassUI},
		{path: "/apiary", want: RouteClassUI}, // segment boundary, not /api
	}
	for _, tc := range cases {
		if got := c.Classify(tc.path); got != tc.want {
			t.Fatalf("Classify(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestNewClassifierRejectsUnknownEntrypoint(t *testing.T) {
	a, err := ParseAllowlistYAML([]byte(sampleAllowlist))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := NewClassifier(a, "gateway"); err == nil {
		t.Fatal("unknown entrypoint should be rejected")
	}
}

func TestPathPatternMatch(t *testing.T) {
	p, ok := parsePathPattern("/public/api/registrations/{token}")
	if !ok {
		t.Fatal("pattern should parse")
	}
	if !p.Match("/public/api/registrations/xyz") {
		t.Fatal("expected match")
	}
	if p.Match("/public/api/registrations") {
		t.Fatal("length mismatch should not match")
	}
	if p.Match("/public/api/other/xyz") {
		t.Fatal("literal mismatch should not match")
	}

	if _, ok := parsePathPattern("/plain/path"); ok {
		t.Fatal("pattern without params should not parse as pattern")
	}
	if _, ok := parsePathPattern("/bad/{}"); ok {
		t.Fatal("empty param should be rejected")
	}
}
