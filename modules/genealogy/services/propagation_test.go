package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/infrastructure/persistence"
	"github.com/samerth-ccp/voltvera-portal/pkg/httperr"
)

// seedZigZag builds a four-level chain with alternating legs:
//
//	root --left--> a --right--> b --left--> c --left--> m
func seedZigZag(t *testing.T) *persistence.TreeMemoryStore {
	t.Helper()
	store := persistence.NewTreeMemoryStore()
	svc := NewPlacementService(store)

	mustPlace(t, svc, PlacementRequest{MemberUUID: "root", Mode: types.PlacementModeRoot, RequestedSide: types.PositionLeft})
	steps := []struct {
		member string
		parent string
		side   types.Position
	}{
		{member: "a", parent: "root", side: types.PositionLeft},
		{member: "b", parent: "a", side: types.PositionRight},
		{member: "c", parent: "b", side: types.PositionLeft},
		{member: "m", parent: "c", side: types.PositionLeft},
	}
	for _, s := range steps {
		mustPlace(t, svc, PlacementRequest{
			MemberUUID:          s.member,
			SponsorUUID:         "root",
			RequestedSide:       s.side,
			Mode:                types.PlacementModeStrategic,
			StrategicParentUUID: s.parent,
		})
	}
	return store
}

func TestRecordPurchaseCreditsAncestorChain(t *testing.T) {
	store := seedZigZag(t)
	engine := NewPropagationEngine(store, types.DefaultRankPlan())

	bv := decimal.NewFromInt(1000)
	updates, err := engine.RecordPurchase(context.Background(), testTenant, "m", "purchase-1", bv)
	if err != nil {
		t.Fatalf("record purchase: %v", err)
	}

	want := []struct {
		ancestor string
		leg      types.Position
	}{
		{ancestor: "c", leg: types.PositionLeft},
		{ancestor: "b", leg: types.PositionLeft},
		{ancestor: "a", leg: types.PositionRight},
		{ancestor: "root", leg: types.PositionLeft},
	}
	if len(updates) != len(want) {
		t.Fatalf("len(updates) = %d, want %d", len(updates), len(want))
	}
	for i, w := range want {
		u := updates[i]
		if u.AncestorUUID != w.ancestor || u.LegCredited != w.leg {
			t.Fatalf("updates[%d] = %s/%s, want %s/%s", i, u.AncestorUUID, u.LegCredited, w.ancestor, w.leg)
		}
		if !u.NewTotalBV.Equal(bv) {
			t.Fatalf("updates[%d].NewTotalBV = %s, want %s", i, u.NewTotalBV, bv)
		}
	}

	// Side checks against the persisted nodes: leg credit must match the
	// child's position under each ancestor; the other leg stays zero.
	a, err := store.GetNode(context.Background(), testTenant, "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if !a.RightBV.Equal(bv) || !a.LeftBV.IsZero() || !a.TotalBV.Equal(bv) {
		t.Fatalf("a BV = L%s R%s T%s", a.LeftBV, a.RightBV, a.TotalBV)
	}

	// The buyer's own node is never credited.
	m, err := store.GetNode(context.Background(), testTenant, "m")
	if err != nil {
		t.Fatalf("get m: %v", err)
	}
	if !m.LeftBV.IsZero() || !m.RightBV.IsZero() || !m.TotalBV.IsZero() {
		t.Fatalf("buyer BV = L%s R%s T%s, want zero", m.LeftBV, m.RightBV, m.TotalBV)
	}
}

func TestRecordPurchaseAccumulatesExactDecimals(t *testing.T) {
	store := seedZigZag(t)
	engine := NewPropagationEngine(store, types.DefaultRankPlan())

	cents := decimal.RequireFromString("0.10")
	for i := 0; i < 3; i++ {
		if _, err := engine.RecordPurchase(context.Background(), testTenant, "m", "purchase", cents); err != nil {
			t.Fatalf("record purchase %d: %v", i, err)
		}
	}

	root, err := store.GetNode(context.Background(), testTenant, "root")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.LeftBV.String() != "0.3" && root.LeftBV.String() != "0.30" {
		t.Fatalf("root left BV = %s, want exactly 0.30", root.LeftBV)
	}
	if !root.LeftBV.Equal(decimal.RequireFromString("0.30")) {
		t.Fatalf("root left BV = %s, want 0.30", root.LeftBV)
	}
}

func TestRecordPurchaseByRootIsNoOp(t *testing.T) {
	store := seedZigZag(t)
	applied := false
	engine := NewPropagationEngine(wrapApply(store, &applied), types.DefaultRankPlan())

	updates, err := engine.RecordPurchase(context.Background(), testTenant, "root", "purchase-root", decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("record purchase: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("len(updates) = %d, want 0", len(updates))
	}
	if applied {
		t.Fatal("ApplyPropagation called for a root purchase")
	}
}

// wrapApply flags whether ApplyPropagation was reached.
func wrapApply(store ports.TreeStore, called *bool) ports.TreeStore {
	return treeStoreStub{
		getNodeFn: store.GetNode,
		applyPropagationFn: func(ctx context.Context, tenantID, buyerUUID, purchaseUUID string, bv decimal.Decimal, credits []ports.LegCredit, rank ports.RankFunc) ([]types.AncestorUpdate, error) {
			*called = true
			return store.ApplyPropagation(ctx, tenantID, buyerUUID, purchaseUUID, bv, credits, rank)
		},
	}
}

func TestRecordPurchaseConcurrentSharedAncestor(t *testing.T) {
	store := persistence.NewTreeMemoryStore()
	svc := NewPlacementService(store)
	mustPlace(t, svc, PlacementRequest{MemberUUID: "root", Mode: types.PlacementModeRoot, RequestedSide: types.PositionLeft})
	mustPlace(t, svc, PlacementRequest{MemberUUID: "l", SponsorUUID: "root", RequestedSide: types.PositionLeft, Mode: types.PlacementModeAuto})
	mustPlace(t, svc, PlacementRequest{MemberUUID: "r", SponsorUUID: "root", RequestedSide: types.PositionRight, Mode: types.PlacementModeAuto})
	engine := NewPropagationEngine(store, types.DefaultRankPlan())

	// Both purchases credit the root; neither credit may overwrite the
	// other.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, buyer := range []string{"l", "r"} {
		wg.Add(1)
		go func(buyer string) {
			defer wg.Done()
			_, err := engine.RecordPurchase(context.Background(), testTenant, buyer, "purchase-"+buyer, decimal.NewFromInt(100))
			errs <- err
		}(buyer)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("record purchase: %v", err)
		}
	}

	root, err := store.GetNode(context.Background(), testTenant, "root")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !root.TotalBV.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("root total BV = %s after two 100 BV purchases, want 200", root.TotalBV)
	}
	if !root.LeftBV.Equal(decimal.NewFromInt(100)) || !root.RightBV.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("root leg BV = L%s R%s, want L100 R100", root.LeftBV, root.RightBV)
	}
}

func TestRecordPurchaseRejectsBadAmounts(t *testing.T) {
	engine := NewPropagationEngine(persistence.NewTreeMemoryStore(), types.DefaultRankPlan())

	for _, raw := range []string{"0", "-10", "12.345"} {
		_, err := engine.RecordPurchase(context.Background(), testTenant, "m", "p", decimal.RequireFromString(raw))
		if !httperr.IsBadRequest(err) {
			t.Fatalf("bv %s: err = %v, want bad request", raw, err)
		}
	}

	// Trailing zeros beyond two places still represent a 2-dp amount.
	for _, raw := range []string{"10.000", "100.50", "7"} {
		_, err := engine.RecordPurchase(context.Background(), testTenant, "m", "p", decimal.RequireFromString(raw))
		if !errors.Is(err, ports.ErrBuyerNotFound) {
			t.Fatalf("bv %s: err = %v, want to pass amount validation", raw, err)
		}
	}
}

func TestRecordPurchaseBuyerNotFound(t *testing.T) {
	engine := NewPropagationEngine(persistence.NewTreeMemoryStore(), types.DefaultRankPlan())

	_, err := engine.RecordPurchase(context.Background(), testTenant, "ghost", "p", decimal.NewFromInt(100))
	if !errors.Is(err, ports.ErrBuyerNotFound) {
		t.Fatalf("err = %v, want ErrBuyerNotFound", err)
	}
}

func TestRecordPurchaseDetectsParentCycle(t *testing.T) {
	a := types.MemberNode{MemberUUID: "a", ParentUUID: "b", Position: types.PositionLeft, Level: 1}
	b := types.MemberNode{MemberUUID: "b", ParentUUID: "a", Position: types.PositionRight, Level: 2}
	engine := NewPropagationEngine(treeStoreStub{getNodeFn: nodesByUUID(a, b)}, types.DefaultRankPlan())

	_, err := engine.RecordPurchase(context.Background(), testTenant, "a", "p", decimal.NewFromInt(100))
	if !errors.Is(err, ports.ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}
}

func TestRecordPurchaseStoreFailureSurfacesAndPersistsNothing(t *testing.T) {
	store := seedZigZag(t)
	boom := errors.New("tx aborted")
	failing := treeStoreStub{
		getNodeFn: store.GetNode,
		applyPropagationFn: func(context.Context, string, string, string, decimal.Decimal, []ports.LegCredit, ports.RankFunc) ([]types.AncestorUpdate, error) {
			return nil, boom
		},
	}
	engine := NewPropagationEngine(failing, types.DefaultRankPlan())

	_, err := engine.RecordPurchase(context.Background(), testTenant, "m", "p", decimal.NewFromInt(100))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store failure", err)
	}

	root, err := store.GetNode(context.Background(), testTenant, "root")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if !root.TotalBV.IsZero() {
		t.Fatalf("root total BV = %s after failed apply, want 0", root.TotalBV)
	}
}

func TestRecordPurchaseAdvancesRankMidChain(t *testing.T) {
	// Seed b one purchase short of bronze_star on every metric.
	store := persistence.NewTreeMemoryStore()
	svc := NewPlacementService(store)
	mustPlace(t, svc, PlacementRequest{MemberUUID: "b", Mode: types.PlacementModeRoot, RequestedSide: types.PositionLeft})
	mustPlace(t, svc, PlacementRequest{MemberUUID: "m", SponsorUUID: "b", RequestedSide: types.PositionLeft, Mode: types.PlacementModeAuto})
	mustPlace(t, svc, PlacementRequest{MemberUUID: "r", SponsorUUID: "b", RequestedSide: types.PositionRight, Mode: types.PlacementModeAuto})
	engine := NewPropagationEngine(store, types.DefaultRankPlan())

	for _, seed := range []struct {
		buyer string
		bv    string
	}{
		{buyer: "m", bv: "4500"},
		{buyer: "r", bv: "5000"},
	} {
		if _, err := engine.RecordPurchase(context.Background(), testTenant, seed.buyer, "seed-"+seed.buyer, decimal.RequireFromString(seed.bv)); err != nil {
			t.Fatalf("seed purchase by %s: %v", seed.buyer, err)
		}
	}
	b, err := store.GetNode(context.Background(), testTenant, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.CurrentRank != types.RankExecutive {
		t.Fatalf("b rank after seeding = %s, want executive", b.CurrentRank)
	}

	updates, err := engine.RecordPurchase(context.Background(), testTenant, "m", "p", decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("record purchase: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("len(updates) = %d, want 1", len(updates))
	}
	u := updates[0]
	if !u.RankAdvanced || u.NewRank != types.RankBronzeStar {
		t.Fatalf("update = %+v, want bronze_star advance", u)
	}
	if !u.NewLeftBV.Equal(decimal.RequireFromString("5000")) || !u.NewTotalBV.Equal(decimal.RequireFromString("10000")) {
		t.Fatalf("BV totals = L%s T%s", u.NewLeftBV, u.NewTotalBV)
	}
}
