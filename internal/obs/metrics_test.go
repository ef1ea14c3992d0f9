package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/metrics":                  "/metrics",
		"/v1/users/abc":             "/v1/users/:id",
		"/v1/users/abc/roles":       "/v1/users/:id/roles",
		"/v1/roles/r-1/permissions": "/v1/roles/:id/permissions",
		"/v1/users/abc/check":       "/v1/users/:id/check",
		"/v1/audit/search?q=login":  "/v1/audit/search",
		"/v1/sessions/s-9":          "/v1/sessions/:id",
		"/v1/presence":              "/v1/presence",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
