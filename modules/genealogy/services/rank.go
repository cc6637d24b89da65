package services

import (
	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
)

// Totals are the metrics rank promotion is gated on. The dashboard's
// weighted "progress percentage" is display-only and never consulted here.
type Totals struct {
	TeamBV         decimal.Decimal
	LeftBV         decimal.Decimal
	RightBV        decimal.Decimal
	DirectRecruits int
}

// RankEvaluator promotes members through the plan's tiers, at most one
// tier per evaluation.
type RankEvaluator struct {
	plan types.RankPlan
}

func NewRankEvaluator(plan types.RankPlan) RankEvaluator {
	return RankEvaluator{plan: plan}
}

// Evaluate returns the member's rank after checking the next tier's entry
// requirement against totals. All four thresholds must be met; if they
// are, the member advances exactly one tier even when higher tiers would
// also qualify — the next purchase re-evaluates. Rank never goes down,
// and evaluating again with unchanged totals advances at most once more
// per call up the ladder.
func (e RankEvaluator) Evaluate(current types.Rank, tot Totals) (types.Rank, bool) {
	next, ok := current.Next()
	if !ok {
		return current, false
	}
	req, ok := e.plan.RequirementFor(next)
	if !ok {
		return current, false
	}
	if !req.MetBy(tot.TeamBV, tot.LeftBV, tot.RightBV, tot.DirectRecruits) {
		return current, false
	}
	return next, true
}
