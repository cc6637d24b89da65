package authz

import (
	"os"
	"path/filepath"
	"testing"
)

const testModel = `[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub, r.dom) || r.sub == p.sub) && (r.dom == p.dom || p.dom == "*") && r.obj == p.obj && (r.act == p.act || p.act == "*")
`

const testPolicy = `p, role:tenant-admin, *, members.recruits, *
p, role:distributor, *, genealogy.tree, read
`

func writeTestPolicyFiles(t *testing.T) (modelPath string, policyPath string) {
	t.Helper()
	dir := t.TempDir()
	modelPath = filepath.Join(dir, "model.conf")
	policyPath = filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(modelPath, []byte(testModel), 0o600); err != nil {
		t.Fatalf("write model: %v", err)
	}
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return modelPath, policyPath
}

func TestModeFromEnv(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "")
	if mode, err := ModeFromEnv(); err != nil || mode != ModeEnforce {
		t.Fatalf("default: mode=%q err=%v", mode, err)
	}

	t.Setenv("AUTHZ_MODE", "shadow")
	if mode, err := ModeFromEnv(); err != nil || mode != ModeShadow {
		t.Fatalf("shadow: mode=%q err=%v", mode, err)
	}

	t.Setenv("AUTHZ_MODE", "disabled")
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("disabled without escape hatch should error")
	}
	t.Setenv("AUTHZ_UNSAFE_ALLOW_DISABLED", "1")
	if mode, err := ModeFromEnv(); err != nil || mode != ModeDisabled {
		t.Fatalf("disabled: mode=%q err=%v", mode, err)
	}

	t.Setenv("AUTHZ_MODE", "bogus")
	if _, err := ModeFromEnv(); err == nil {
		t.Fatal("bogus mode should error")
	}
}

func TestSubjectFromRoleSlug(t *testing.T) {
	if got := SubjectFromRoleSlug(" Tenant-Admin "); got != "role:tenant-admin" {
		t.Fatalf("got %q", got)
	}
	if got := SubjectFromRoleSlug(""); got != "role:anonymous" {
		t.Fatalf("empty slug: got %q", got)
	}
}

func TestAuthorizeModes(t *testing.T) {
	modelPath, policyPath := writeTestPolicyFiles(t)

	enforce, err := NewAuthorizer(modelPath, policyPath, ModeEnforce)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}

	allowed, enforced, err := enforce.Authorize("role:tenant-admin", "t1", ObjectMembersRecruits, ActionWrite)
	if err != nil || !allowed || !enforced {
		t.Fatalf("admin write recruits: allowed=%v enforced=%v err=%v", allowed, enforced, err)
	}

	allowed, enforced, err = enforce.Authorize("role:distributor", "t1", ObjectMembersRecruits, ActionWrite)
	if err != nil || allowed || !enforced {
		t.Fatalf("distributor write recruits: allowed=%v enforced=%v err=%v", allowed, enforced, err)
	}

	allowed, _, err = enforce.Authorize("role:distributor", "t1", ObjectGenealogyTree, ActionRead)
	if err != nil || !allowed {
		t.Fatalf("distributor read tree: allowed=%v err=%v", allowed, err)
	}

	shadow, err := NewAuthorizer(modelPath, policyPath, ModeShadow)
	if err != nil {
		t.Fatalf("NewAuthorizer shadow: %v", err)
	}
	allowed, enforced, err = shadow.Authorize("role:distributor", "t1", ObjectMembersRecruits, ActionWrite)
	if err != nil || enforced {
		t.Fatalf("shadow: enforced=%v err=%v", enforced, err)
	}
	_ = allowed

	disabled, err := NewAuthorizer(modelPath, policyPath, ModeDisabled)
	if err != nil {
		t.Fatalf("NewAuthorizer disabled: %v", err)
	}
	allowed, enforced, err = disabled.Authorize("role:anonymous", "t1", ObjectWalletWithdrawals, ActionAdmin)
	if err != nil || !allowed || enforced {
		t.Fatalf("disabled: allowed=%v enforced=%v err=%v", allowed, enforced, err)
	}
}
