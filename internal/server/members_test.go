package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"

	genealogytypes "github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/infrastructure/persistence"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/services"
)

func TestNormalizeMemberID(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "VV123", want: "VV123"},
		{in: "vv007", want: "VV7"},
		{in: "123", want: "VV123"},
		{in: " vv42 ", want: "VV42"},
		{in: "000", want: "VV0"},
		{in: "VV00012345", wantErr: true},
		{in: "123456789", wantErr: true},
		{in: "", wantErr: true},
		{in: "VV", wantErr: true},
		{in: "VVabc", wantErr: true},
		{in: "VX123", wantErr: true},
	}
	for _, tc := range cases {
		got, err := normalizeMemberID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("normalizeMemberID(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("normalizeMemberID(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalizeMemberID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMemberMemoryStore(t *testing.T) {
	store := newMemberMemoryStore()
	ctx := context.Background()

	m, err := store.CreateMember(ctx, testTenantID, "vv07", "Asha Rao", "asha@example.com", "")
	if err != nil {
		t.Fatalf("CreateMember: %v", err)
	}
	if m.MemberID != "VV7" {
		t.Fatalf("MemberID = %q, want VV7", m.MemberID)
	}
	if m.RoleSlug != "distributor" {
		t.Fatalf("RoleSlug = %q, want distributor", m.RoleSlug)
	}
	if m.Status != "active" {
		t.Fatalf("Status = %q, want active", m.Status)
	}

	if _, err := store.CreateMember(ctx, testTenantID, "VV7", "Other", "other@example.com", ""); err == nil {
		t.Fatal("duplicate member_id accepted")
	}

	got, err := store.GetMember(ctx, testTenantID, m.UUID)
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if got.FullName != "Asha Rao" {
		t.Fatalf("FullName = %q", got.FullName)
	}

	byID, err := store.FindMemberByMemberID(ctx, testTenantID, "vv007")
	if err != nil {
		t.Fatalf("FindMemberByMemberID: %v", err)
	}
	if byID.UUID != m.UUID {
		t.Fatalf("FindMemberByMemberID uuid = %q, want %q", byID.UUID, m.UUID)
	}

	if _, err := store.GetMember(ctx, testTenantID, "missing"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("GetMember(missing) err = %v, want pgx.ErrNoRows", err)
	}
	if _, err := store.FindMemberByMemberID(ctx, "other-tenant", "VV7"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("cross-tenant find err = %v, want pgx.ErrNoRows", err)
	}
}

func TestMemberMemoryStoreConcurrentCreates(t *testing.T) {
	store := newMemberMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.CreateMember(ctx, testTenantID, fmt.Sprintf("VV%d", 100+i), "Member", "", ""); err != nil {
				t.Errorf("CreateMember %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	members, err := store.ListMembers(ctx, testTenantID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 20 {
		t.Fatalf("len(members) = %d, want 20", len(members))
	}
}

func TestMemberMemoryStoreOptions(t *testing.T) {
	store := newMemberMemoryStore()
	ctx := context.Background()
	if _, err := store.CreateMember(ctx, testTenantID, "VV10", "Asha Rao", "a@example.com", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateMember(ctx, testTenantID, "VV11", "Ravi Kumar", "r@example.com", ""); err != nil {
		t.Fatal(err)
	}

	opts, err := store.ListMemberOptions(ctx, testTenantID, "ravi", 10)
	if err != nil {
		t.Fatalf("ListMemberOptions: %v", err)
	}
	if len(opts) != 1 || opts[0].MemberID != "VV11" {
		t.Fatalf("options = %+v, want single VV11", opts)
	}

	opts, err = store.ListMemberOptions(ctx, testTenantID, "VV1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 2 {
		t.Fatalf("prefix search returned %d options, want 2", len(opts))
	}

	opts, err = store.ListMemberOptions(ctx, testTenantID, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 1 {
		t.Fatalf("limit ignored, got %d options", len(opts))
	}
}

func TestMemberPGStoreErrors(t *testing.T) {
	t.Run("begin error", func(t *testing.T) {
		store := newMemberPGStore(beginnerFunc(func(context.Context) (pgx.Tx, error) {
			return nil, errors.New("begin")
		}))
		if _, err := store.ListMembers(context.Background(), testTenantID); err == nil {
			t.Fatal("expected error")
		}
		if _, err := store.CreateMember(context.Background(), testTenantID, "VV1", "X", "x@example.com", ""); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("set tenant error", func(t *testing.T) {
		tx := &stubTx{execErr: errors.New("set_config")}
		store := newMemberPGStore(beginnerFunc(func(context.Context) (pgx.Tx, error) { return tx, nil }))
		if _, err := store.ListMembers(context.Background(), testTenantID); err == nil {
			t.Fatal("expected error")
		}
		if !tx.rolled {
			t.Fatal("tx was not rolled back")
		}
	})

	t.Run("query error", func(t *testing.T) {
		tx := &stubTx{queryErr: errors.New("query")}
		store := newMemberPGStore(beginnerFunc(func(context.Context) (pgx.Tx, error) { return tx, nil }))
		if _, err := store.ListMembers(context.Background(), testTenantID); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestHandleMembersAPI(t *testing.T) {
	store := newMemberMemoryStore()
	if _, err := store.CreateMember(context.Background(), testTenantID, "VV1", "Company Root", "root@example.com", "tenant-admin"); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	handleMembersAPI(rec, apiRequest(t, http.MethodGet, "/api/members", nil), store)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["tenant_id"] != testTenantID {
		t.Fatalf("tenant_id = %v", body["tenant_id"])
	}
	members, ok := body["members"].([]any)
	if !ok || len(members) != 1 {
		t.Fatalf("members = %v", body["members"])
	}
	first := members[0].(map[string]any)
	if first["member_id"] != "VV1" || first["role_slug"] != "tenant-admin" {
		t.Fatalf("member = %v", first)
	}

	rec = httptest.NewRecorder()
	handleMembersAPI(rec, apiRequest(t, http.MethodPost, "/api/members", nil), store)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rec.Code)
	}
}

func TestHandleMemberDetailAPI(t *testing.T) {
	ctx := context.Background()
	members := newMemberMemoryStore()
	tree := persistence.NewTreeMemoryStore()
	placements := services.NewPlacementService(tree)

	root, err := members.CreateMember(ctx, testTenantID, "VV1", "Company Root", "root@example.com", "tenant-admin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := placements.PlaceNewMember(ctx, testTenantID, services.PlacementRequest{
		MemberUUID: root.UUID,
		Mode:       genealogytypes.PlacementModeRoot,
	}); err != nil {
		t.Fatalf("place root: %v", err)
	}
	unplaced, err := members.CreateMember(ctx, testTenantID, "VV2", "Waiting Room", "wait@example.com", "")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("placed member includes tree", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handleMemberDetailAPI(rec, apiRequest(t, http.MethodGet, "/api/members/detail?member_uuid="+root.UUID, nil), members, tree)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		treeOut, ok := body["tree"].(map[string]any)
		if !ok {
			t.Fatalf("tree missing: %v", body)
		}
		if treeOut["current_rank"] != "executive" {
			t.Fatalf("current_rank = %v", treeOut["current_rank"])
		}
		if treeOut["total_bv"] != "0.00" {
			t.Fatalf("total_bv = %v", treeOut["total_bv"])
		}
	})

	t.Run("unplaced member has no tree", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handleMemberDetailAPI(rec, apiRequest(t, http.MethodGet, "/api/members/detail?member_uuid="+unplaced.UUID, nil), members, tree)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if _, ok := decodeBody(t, rec)["tree"]; ok {
			t.Fatal("unplaced member rendered a tree block")
		}
	})

	t.Run("unknown member", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handleMemberDetailAPI(rec, apiRequest(t, http.MethodGet, "/api/members/detail?member_uuid=nope", nil), members, tree)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("missing param", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handleMemberDetailAPI(rec, apiRequest(t, http.MethodGet, "/api/members/detail", nil), members, tree)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestHandleMemberOptionsAPI(t *testing.T) {
	store := newMemberMemoryStore()
	if _, err := store.CreateMember(context.Background(), testTenantID, "VV5", "Asha Rao", "a@example.com", ""); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	handleMemberOptionsAPI(rec, apiRequest(t, http.MethodGet, "/api/members/options?q=asha&limit=5", nil), store)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	items, ok := decodeBody(t, rec)["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("items = %v", items)
	}
}
