package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	"github.com/samerth-ccp/voltvera-portal/pkg/httperr"
)

const (
	tenantA = "c0a80101-0000-4000-8000-00000000000a"
	tenantB = "c0a80101-0000-4000-8000-00000000000b"
)

func createRoot(t *testing.T, store *TreeMemoryStore, tenantID, memberUUID string) types.MemberNode {
	t.Helper()
	n, err := store.CreateNode(context.Background(), tenantID, ports.NewNode{MemberUUID: memberUUID})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	return n
}

func TestMemoryStoreCreateRoot(t *testing.T) {
	store := NewTreeMemoryStore()
	root := createRoot(t, store, tenantA, "root")

	if root.CurrentRank != types.RankExecutive {
		t.Fatalf("root rank = %s", root.CurrentRank)
	}
	if !root.LeftBV.IsZero() || !root.TotalBV.IsZero() {
		t.Fatalf("root BV = L%s T%s", root.LeftBV, root.TotalBV)
	}

	got, err := store.GetRoot(context.Background(), tenantA)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if got.MemberUUID != "root" {
		t.Fatalf("root = %q", got.MemberUUID)
	}

	_, err = store.CreateNode(context.Background(), tenantA, ports.NewNode{MemberUUID: "root2"})
	if !errors.Is(err, ports.ErrRootExists) {
		t.Fatalf("second root: err = %v", err)
	}
}

func TestMemoryStoreCreateChild(t *testing.T) {
	store := NewTreeMemoryStore()
	createRoot(t, store, tenantA, "root")

	child, err := store.CreateNode(context.Background(), tenantA, ports.NewNode{
		MemberUUID:  "a",
		SponsorUUID: "root",
		ParentUUID:  "root",
		Position:    types.PositionRight,
		Level:       1,
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if child.Position != types.PositionRight || child.Level != 1 {
		t.Fatalf("child = %+v", child)
	}

	root, err := store.GetNode(context.Background(), tenantA, "root")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.RightChildUUID != "a" || root.LeftChildUUID != "" {
		t.Fatalf("root children = %q/%q", root.LeftChildUUID, root.RightChildUUID)
	}
	if root.TotalDirects != 1 || root.RightDirects != 1 {
		t.Fatalf("root directs = %d/%d/%d", root.TotalDirects, root.LeftDirects, root.RightDirects)
	}
}

func TestMemoryStoreCreateNodeRejections(t *testing.T) {
	store := NewTreeMemoryStore()
	createRoot(t, store, tenantA, "root")
	if _, err := store.CreateNode(context.Background(), tenantA, ports.NewNode{
		MemberUUID: "a", SponsorUUID: "root", ParentUUID: "root", Position: types.PositionLeft, Level: 1,
	}); err != nil {
		t.Fatalf("seed child: %v", err)
	}

	_, err := store.CreateNode(context.Background(), tenantA, ports.NewNode{MemberUUID: "  "})
	if !httperr.IsBadRequest(err) {
		t.Fatalf("blank member: err = %v", err)
	}

	_, err = store.CreateNode(context.Background(), tenantA, ports.NewNode{
		MemberUUID: "a", SponsorUUID: "root", ParentUUID: "root", Position: types.PositionRight, Level: 1,
	})
	if !httperr.IsConflict(err) {
		t.Fatalf("duplicate member: err = %v", err)
	}

	_, err = store.CreateNode(context.Background(), tenantA, ports.NewNode{
		MemberUUID: "b", SponsorUUID: "root", ParentUUID: "ghost", Position: types.PositionLeft, Level: 1,
	})
	if !errors.Is(err, ports.ErrMemberNotFound) {
		t.Fatalf("missing parent: err = %v", err)
	}

	_, err = store.CreateNode(context.Background(), tenantA, ports.NewNode{
		MemberUUID: "b", SponsorUUID: "root", ParentUUID: "root", Position: types.PositionLeft, Level: 1,
	})
	if !errors.Is(err, ports.ErrSlotOccupied) {
		t.Fatalf("filled slot: err = %v", err)
	}
}

func TestMemoryStoreTenantsAreIsolated(t *testing.T) {
	store := NewTreeMemoryStore()
	createRoot(t, store, tenantA, "root-a")

	// A second tenant has no root yet and cannot see tenant A's nodes.
	if _, err := store.GetRoot(context.Background(), tenantB); !errors.Is(err, ports.ErrRootNotFound) {
		t.Fatalf("tenant B root: err = %v", err)
	}
	if _, err := store.GetNode(context.Background(), tenantB, "root-a"); !errors.Is(err, ports.ErrMemberNotFound) {
		t.Fatalf("cross-tenant get: err = %v", err)
	}

	createRoot(t, store, tenantB, "root-b")
	rootB, err := store.GetRoot(context.Background(), tenantB)
	if err != nil || rootB.MemberUUID != "root-b" {
		t.Fatalf("tenant B root = %+v err = %v", rootB, err)
	}
}

func TestMemoryStoreListNodesOrder(t *testing.T) {
	store := NewTreeMemoryStore()
	createRoot(t, store, tenantA, "root")
	for _, c := range []struct {
		member   string
		parent   string
		position types.Position
		level    int
	}{
		{member: "z", parent: "root", position: types.PositionLeft, level: 1},
		{member: "a", parent: "root", position: types.PositionRight, level: 1},
		{member: "m", parent: "z", position: types.PositionLeft, level: 2},
	} {
		if _, err := store.CreateNode(context.Background(), tenantA, ports.NewNode{
			MemberUUID: c.member, SponsorUUID: "root", ParentUUID: c.parent, Position: c.position, Level: c.level,
		}); err != nil {
			t.Fatalf("create %s: %v", c.member, err)
		}
	}

	nodes, err := store.ListNodes(context.Background(), tenantA)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"root", "a", "z", "m"}
	if len(nodes) != len(want) {
		t.Fatalf("len = %d", len(nodes))
	}
	for i, uuid := range want {
		if nodes[i].MemberUUID != uuid {
			t.Fatalf("nodes[%d] = %s, want %s", i, nodes[i].MemberUUID, uuid)
		}
	}
}

func keepRank(n types.MemberNode) (types.Rank, bool) { return n.CurrentRank, false }

func TestMemoryStoreApplyPropagationAllOrNothing(t *testing.T) {
	store := NewTreeMemoryStore()
	createRoot(t, store, tenantA, "root")

	credits := []ports.LegCredit{
		{AncestorUUID: "root", Leg: types.PositionLeft},
		{AncestorUUID: "ghost", Leg: types.PositionLeft},
	}
	_, err := store.ApplyPropagation(context.Background(), tenantA, "buyer", "purchase", decimal.NewFromInt(100), credits, keepRank)
	if !errors.Is(err, ports.ErrMemberNotFound) {
		t.Fatalf("err = %v", err)
	}

	root, err := store.GetNode(context.Background(), tenantA, "root")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !root.LeftBV.IsZero() {
		t.Fatalf("root left BV = %s after failed apply", root.LeftBV)
	}

	updates, err := store.ApplyPropagation(context.Background(), tenantA, "buyer", "purchase", decimal.NewFromInt(100), credits[:1], keepRank)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(updates) != 1 || !updates[0].NewLeftBV.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("updates = %+v", updates)
	}
	root, _ = store.GetNode(context.Background(), tenantA, "root")
	if !root.LeftBV.Equal(decimal.NewFromInt(100)) || !root.TotalBV.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("root BV = L%s T%s", root.LeftBV, root.TotalBV)
	}
}

func TestMemoryStoreApplyPropagationAccumulates(t *testing.T) {
	store := NewTreeMemoryStore()
	createRoot(t, store, tenantA, "root")

	// Successive applies add onto the stored values rather than replacing
	// them; this is what keeps concurrent purchases from erasing each
	// other's credits.
	for i := 0; i < 2; i++ {
		if _, err := store.ApplyPropagation(context.Background(), tenantA, "buyer", "purchase", decimal.NewFromInt(100), []ports.LegCredit{{AncestorUUID: "root", Leg: types.PositionRight}}, keepRank); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	root, err := store.GetNode(context.Background(), tenantA, "root")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !root.RightBV.Equal(decimal.NewFromInt(200)) || !root.TotalBV.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("root BV = R%s T%s, want R200 T200", root.RightBV, root.TotalBV)
	}
}
