package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	testTenantID  = "c0a80101-0000-4000-8000-000000000001"
	testActorUUID = "c0a80101-0000-4000-8000-0000000000aa"
)

// apiRequest builds a request carrying the tenant and an admin actor, the
// way the middleware chain would have prepared it.
func apiRequest(t *testing.T, method string, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(method, target, &buf)
	ctx := withTenant(r.Context(), Tenant{ID: testTenantID, Domain: "portal.test", Name: "Test"})
	ctx = withActor(ctx, Actor{MemberUUID: testActorUUID, RoleSlug: "tenant-admin"})
	return r.WithContext(ctx)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}
