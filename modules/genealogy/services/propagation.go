package services

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	"github.com/samerth-ccp/voltvera-portal/pkg/httperr"
)

// PropagationEngine credits a paid purchase's business volume up the
// buyer's ancestor chain and re-evaluates each ancestor's rank against the
// just-updated totals.
type PropagationEngine struct {
	store ports.TreeStore
	ranks RankEvaluator
}

func NewPropagationEngine(store ports.TreeStore, plan types.RankPlan) PropagationEngine {
	return PropagationEngine{store: store, ranks: NewRankEvaluator(plan)}
}

// RecordPurchase walks parent links from the buyer to the root and hands
// the resulting credit list to ApplyPropagation. Each ancestor is credited
// on the leg the walk arrived through (the previous node's position under
// it) plus TotalBV unconditionally. The buyer's own node is never
// credited: team volume counts a member's downline, not the member. A
// purchase by the root therefore yields no updates.
//
// The walk reads only parent links and positions, which never change after
// placement. All value writes for one purchase happen inside the store's
// ApplyPropagation unit of work, where each ancestor's BV is re-read and
// credited under the store's lock so concurrent purchases sharing an
// ancestor both land. The returned slice is ordered buyer's parent first,
// root last.
func (e PropagationEngine) RecordPurchase(ctx context.Context, tenantID string, buyerUUID string, purchaseUUID string, bv decimal.Decimal) ([]types.AncestorUpdate, error) {
	if bv.Sign() <= 0 {
		return nil, httperr.NewBadRequest("bv amount must be positive")
	}
	if !bv.Equal(bv.Truncate(2)) {
		return nil, httperr.NewBadRequest("bv amount has more than 2 decimal places")
	}

	node, err := e.store.GetNode(ctx, tenantID, buyerUUID)
	if err != nil {
		if errors.Is(err, ports.ErrMemberNotFound) {
			return nil, ports.ErrBuyerNotFound
		}
		return nil, err
	}

	credits := make([]ports.LegCredit, 0, node.Level)
	for depth := 0; node.ParentUUID != ""; depth++ {
		if depth >= maxTreeDepth {
			return nil, ports.ErrCycleDetected
		}

		parent, err := e.store.GetNode(ctx, tenantID, node.ParentUUID)
		if err != nil {
			return nil, err
		}

		// node.Position is the leg of parent the walk came up through.
		credits = append(credits, ports.LegCredit{
			AncestorUUID: parent.MemberUUID,
			Leg:          node.Position,
		})
		node = parent
	}

	if len(credits) == 0 {
		return []types.AncestorUpdate{}, nil
	}
	return e.store.ApplyPropagation(ctx, tenantID, buyerUUID, purchaseUUID, bv, credits, e.rankFor)
}

func (e PropagationEngine) rankFor(n types.MemberNode) (types.Rank, bool) {
	return e.ranks.Evaluate(n.CurrentRank, Totals{
		TeamBV:         n.TotalBV,
		LeftBV:         n.LeftBV,
		RightBV:        n.RightBV,
		DirectRecruits: n.TotalDirects,
	})
}
