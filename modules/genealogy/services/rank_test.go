package services

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEvaluateAdvancesOneTier(t *testing.T) {
	eval := NewRankEvaluator(types.DefaultRankPlan())

	rank, advanced := eval.Evaluate(types.RankExecutive, Totals{
		TeamBV:         dec("15000"),
		LeftBV:         dec("6000"),
		RightBV:        dec("6000"),
		DirectRecruits: 3,
	})
	if !advanced || rank != types.RankBronzeStar {
		t.Fatalf("rank = %s advanced = %v, want bronze_star", rank, advanced)
	}
}

func TestEvaluateNeverSkipsTiers(t *testing.T) {
	eval := NewRankEvaluator(types.DefaultRankPlan())

	// Totals qualify for gold_star outright, yet executive only moves to
	// bronze_star; the ladder is climbed one evaluation at a time.
	tot := Totals{
		TeamBV:         dec("60000"),
		LeftBV:         dec("28000"),
		RightBV:        dec("28000"),
		DirectRecruits: 6,
	}
	rank, advanced := eval.Evaluate(types.RankExecutive, tot)
	if !advanced || rank != types.RankBronzeStar {
		t.Fatalf("first evaluation: %s", rank)
	}
	rank, advanced = eval.Evaluate(rank, tot)
	if !advanced || rank != types.RankSilverStar {
		t.Fatalf("second evaluation: %s", rank)
	}
	rank, advanced = eval.Evaluate(rank, tot)
	if !advanced || rank != types.RankGoldStar {
		t.Fatalf("third evaluation: %s", rank)
	}
	rank, advanced = eval.Evaluate(rank, tot)
	if advanced || rank != types.RankGoldStar {
		t.Fatalf("fourth evaluation: rank = %s advanced = %v, want unchanged gold_star", rank, advanced)
	}
}

func TestEvaluateRequiresEveryThreshold(t *testing.T) {
	eval := NewRankEvaluator(types.DefaultRankPlan())

	// Each case misses exactly one bronze_star requirement.
	cases := []struct {
		name string
		tot  Totals
	}{
		{name: "team bv short", tot: Totals{TeamBV: dec("9999.99"), LeftBV: dec("5000"), RightBV: dec("5000"), DirectRecruits: 2}},
		{name: "left bv short", tot: Totals{TeamBV: dec("10000"), LeftBV: dec("4999.99"), RightBV: dec("5000"), DirectRecruits: 2}},
		{name: "right bv short", tot: Totals{TeamBV: dec("10000"), LeftBV: dec("5000"), RightBV: dec("4999.99"), DirectRecruits: 2}},
		{name: "directs short", tot: Totals{TeamBV: dec("10000"), LeftBV: dec("5000"), RightBV: dec("5000"), DirectRecruits: 1}},
	}
	for _, tc := range cases {
		rank, advanced := eval.Evaluate(types.RankExecutive, tc.tot)
		if advanced || rank != types.RankExecutive {
			t.Fatalf("%s: rank = %s advanced = %v, want no advance", tc.name, rank, advanced)
		}
	}
}

func TestEvaluateExactThresholdsQualify(t *testing.T) {
	eval := NewRankEvaluator(types.DefaultRankPlan())

	rank, advanced := eval.Evaluate(types.RankExecutive, Totals{
		TeamBV:         dec("10000"),
		LeftBV:         dec("5000"),
		RightBV:        dec("5000"),
		DirectRecruits: 2,
	})
	if !advanced || rank != types.RankBronzeStar {
		t.Fatalf("rank = %s advanced = %v", rank, advanced)
	}
}

func TestEvaluateTopRankStays(t *testing.T) {
	eval := NewRankEvaluator(types.DefaultRankPlan())

	rank, advanced := eval.Evaluate(types.RankFounder, Totals{
		TeamBV:         dec("99999999"),
		LeftBV:         dec("99999999"),
		RightBV:        dec("99999999"),
		DirectRecruits: 100,
	})
	if advanced || rank != types.RankFounder {
		t.Fatalf("rank = %s advanced = %v, want founder unchanged", rank, advanced)
	}
}

func TestEvaluateUnknownRankStays(t *testing.T) {
	eval := NewRankEvaluator(types.DefaultRankPlan())

	rank, advanced := eval.Evaluate(types.Rank("galactic"), Totals{
		TeamBV: dec("99999999"), LeftBV: dec("99999999"), RightBV: dec("99999999"), DirectRecruits: 100,
	})
	if advanced || rank != types.Rank("galactic") {
		t.Fatalf("rank = %s advanced = %v", rank, advanced)
	}
}
