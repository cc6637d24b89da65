package services

import (
	"context"
	"fmt"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
)

// TreeVerifier checks a tenant's stored tree against the structural
// invariants: one root, bidirectional parent/child pointers, exclusive
// slot occupancy and level arithmetic. Used by the dbtool verify-tree
// command against live data.
type TreeVerifier struct {
	store ports.TreeStore
}

func NewTreeVerifier(store ports.TreeStore) TreeVerifier {
	return TreeVerifier{store: store}
}

// Verify returns one message per violation found; an empty slice means
// the tree is consistent.
func (v TreeVerifier) Verify(ctx context.Context, tenantID string) ([]string, error) {
	nodes, err := v.store.ListNodes(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	byUUID := make(map[string]types.MemberNode, len(nodes))
	for _, n := range nodes {
		byUUID[n.MemberUUID] = n
	}

	var problems []string
	rootCount := 0
	for _, n := range nodes {
		if n.IsRoot() {
			rootCount++
			if n.Position != "" {
				problems = append(problems, fmt.Sprintf("root %s has position %q", n.MemberUUID, n.Position))
			}
			if n.Level != 0 {
				problems = append(problems, fmt.Sprintf("root %s has level %d", n.MemberUUID, n.Level))
			}
			continue
		}

		parent, ok := byUUID[n.ParentUUID]
		if !ok {
			problems = append(problems, fmt.Sprintf("node %s references missing parent %s", n.MemberUUID, n.ParentUUID))
			continue
		}
		if _, ok := types.ParsePosition(string(n.Position)); !ok {
			problems = append(problems, fmt.Sprintf("node %s has invalid position %q", n.MemberUUID, n.Position))
			continue
		}
		if parent.ChildUUID(n.Position) != n.MemberUUID {
			problems = append(problems, fmt.Sprintf("parent %s %s-child pointer does not point back at %s", parent.MemberUUID, n.Position, n.MemberUUID))
		}
		if parent.ChildUUID(n.Position.Opposite()) == n.MemberUUID {
			problems = append(problems, fmt.Sprintf("node %s occupies both slots of parent %s", n.MemberUUID, parent.MemberUUID))
		}
		if n.Level != parent.Level+1 {
			problems = append(problems, fmt.Sprintf("node %s level %d, parent %s level %d", n.MemberUUID, n.Level, parent.MemberUUID, parent.Level))
		}
	}

	if len(nodes) > 0 && rootCount != 1 {
		problems = append(problems, fmt.Sprintf("tree has %d roots", rootCount))
	}

	// Child pointers must reference nodes that claim the same parent.
	for _, n := range nodes {
		for _, side := range []types.Position{types.PositionLeft, types.PositionRight} {
			childUUID := n.ChildUUID(side)
			if childUUID == "" {
				continue
			}
			child, ok := byUUID[childUUID]
			if !ok {
				problems = append(problems, fmt.Sprintf("node %s %s-child %s does not exist", n.MemberUUID, side, childUUID))
				continue
			}
			if child.ParentUUID != n.MemberUUID || child.Position != side {
				problems = append(problems, fmt.Sprintf("node %s %s-child %s claims parent %s position %q", n.MemberUUID, side, childUUID, child.ParentUUID, child.Position))
			}
		}
	}

	return problems, nil
}
