package services

import (
	"context"
	"strings"
	"testing"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
)

func verifyNodes(t *testing.T, nodes ...types.MemberNode) []string {
	t.Helper()
	v := NewTreeVerifier(treeStoreStub{
		listNodesFn: func(context.Context, string) ([]types.MemberNode, error) { return nodes, nil },
	})
	problems, err := v.Verify(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return problems
}

func TestVerifyConsistentTree(t *testing.T) {
	svc, store := seedLeftLine(t)
	mustPlace(t, svc, PlacementRequest{
		MemberUUID: "r1", SponsorUUID: "root", RequestedSide: types.PositionRight, Mode: types.PlacementModeAuto,
	})

	problems, err := NewTreeVerifier(store).Verify(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("problems = %v", problems)
	}
}

func TestVerifyEmptyTree(t *testing.T) {
	if problems := verifyNodes(t); len(problems) != 0 {
		t.Fatalf("problems = %v", problems)
	}
}

func TestVerifyFlagsViolations(t *testing.T) {
	cases := []struct {
		name  string
		nodes []types.MemberNode
		want  string
	}{
		{
			name: "two roots",
			nodes: []types.MemberNode{
				{MemberUUID: "r1", Level: 0},
				{MemberUUID: "r2", Level: 0},
			},
			want: "2 roots",
		},
		{
			name: "root with position",
			nodes: []types.MemberNode{
				{MemberUUID: "r", Position: types.PositionLeft, Level: 0},
			},
			want: "has position",
		},
		{
			name: "root with nonzero level",
			nodes: []types.MemberNode{
				{MemberUUID: "r", Level: 3},
			},
			want: "has level 3",
		},
		{
			name: "missing parent",
			nodes: []types.MemberNode{
				{MemberUUID: "r", Level: 0},
				{MemberUUID: "a", ParentUUID: "ghost", Position: types.PositionLeft, Level: 1},
			},
			want: "missing parent",
		},
		{
			name: "invalid position",
			nodes: []types.MemberNode{
				{MemberUUID: "r", Level: 0, LeftChildUUID: "a"},
				{MemberUUID: "a", ParentUUID: "r", Position: "sideways", Level: 1},
			},
			want: "invalid position",
		},
		{
			name: "parent pointer not reciprocated",
			nodes: []types.MemberNode{
				{MemberUUID: "r", Level: 0},
				{MemberUUID: "a", ParentUUID: "r", Position: types.PositionLeft, Level: 1},
			},
			want: "does not point back",
		},
		{
			name: "level arithmetic broken",
			nodes: []types.MemberNode{
				{MemberUUID: "r", Level: 0, LeftChildUUID: "a"},
				{MemberUUID: "a", ParentUUID: "r", Position: types.PositionLeft, Level: 5},
			},
			want: "level 5",
		},
		{
			name: "dangling child pointer",
			nodes: []types.MemberNode{
				{MemberUUID: "r", Level: 0, RightChildUUID: "ghost"},
			},
			want: "does not exist",
		},
		{
			name: "child claims different parent",
			nodes: []types.MemberNode{
				{MemberUUID: "r", Level: 0, LeftChildUUID: "a", RightChildUUID: ""},
				{MemberUUID: "x", ParentUUID: "r", Position: types.PositionRight, Level: 1},
				{MemberUUID: "a", ParentUUID: "x", Position: types.PositionLeft, Level: 2},
			},
			want: "claims parent",
		},
	}
	for _, tc := range cases {
		problems := verifyNodes(t, tc.nodes...)
		found := false
		for _, p := range problems {
			if strings.Contains(p, tc.want) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("%s: problems = %v, want one containing %q", tc.name, problems, tc.want)
		}
	}
}
