package types

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Rank is an ordered achievement tier. Promotion moves exactly one tier at
// a time and never regresses.
type Rank string

const (
	RankExecutive    Rank = "executive"
	RankBronzeStar   Rank = "bronze_star"
	RankSilverStar   Rank = "silver_star"
	RankGoldStar     Rank = "gold_star"
	RankEmerald      Rank = "emerald"
	RankDiamond      Rank = "diamond"
	RankCrownDiamond Rank = "crown_diamond"
	RankFounder      Rank = "founder"
)

// rankOrder is the fixed, total ordering of tiers, lowest first.
var rankOrder = []Rank{
	RankExecutive,
	RankBronzeStar,
	RankSilverStar,
	RankGoldStar,
	RankEmerald,
	RankDiamond,
	RankCrownDiamond,
	RankFounder,
}

func ParseRank(raw string) (Rank, bool) {
	for _, r := range rankOrder {
		if Rank(raw) == r {
			return r, true
		}
	}
	return "", false
}

// Index returns the tier's ordinal, -1 for unknown ranks.
func (r Rank) Index() int {
	for i, known := range rankOrder {
		if r == known {
			return i
		}
	}
	return -1
}

// Next returns the tier above r, false at the top or for unknown ranks.
func (r Rank) Next() (Rank, bool) {
	i := r.Index()
	if i < 0 || i+1 >= len(rankOrder) {
		return "", false
	}
	return rankOrder[i+1], true
}

// RankRequirement is the threshold set for entering a tier. All four
// metrics must be met simultaneously; there is no weighted scoring.
type RankRequirement struct {
	TeamBV         decimal.Decimal
	LeftBV         decimal.Decimal
	RightBV        decimal.Decimal
	DirectRecruits int
}

// MetBy reports whether totals satisfy every requirement.
func (req RankRequirement) MetBy(teamBV, leftBV, rightBV decimal.Decimal, directs int) bool {
	return teamBV.GreaterThanOrEqual(req.TeamBV) &&
		leftBV.GreaterThanOrEqual(req.LeftBV) &&
		rightBV.GreaterThanOrEqual(req.RightBV) &&
		directs >= req.DirectRecruits
}

// RankPlan maps each tier above the entry rank to its entry requirement.
type RankPlan struct {
	requirements map[Rank]RankRequirement
}

// RequirementFor returns the entry requirement for r; false for the entry
// tier (which has none) and for ranks outside the plan.
func (p RankPlan) RequirementFor(r Rank) (RankRequirement, bool) {
	req, ok := p.requirements[r]
	return req, ok
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DefaultRankPlan is the built-in threshold table. Deployments override it
// with RANK_PLAN_PATH (see LoadRankPlan).
func DefaultRankPlan() RankPlan {
	return RankPlan{requirements: map[Rank]RankRequirement{
		RankBronzeStar:   {TeamBV: mustDecimal("10000"), LeftBV: mustDecimal("5000"), RightBV: mustDecimal("5000"), DirectRecruits: 2},
		RankSilverStar:   {TeamBV: mustDecimal("25000"), LeftBV: mustDecimal("12000"), RightBV: mustDecimal("12000"), DirectRecruits: 4},
		RankGoldStar:     {TeamBV: mustDecimal("60000"), LeftBV: mustDecimal("28000"), RightBV: mustDecimal("28000"), DirectRecruits: 6},
		RankEmerald:      {TeamBV: mustDecimal("150000"), LeftBV: mustDecimal("70000"), RightBV: mustDecimal("70000"), DirectRecruits: 8},
		RankDiamond:      {TeamBV: mustDecimal("400000"), LeftBV: mustDecimal("190000"), RightBV: mustDecimal("190000"), DirectRecruits: 10},
		RankCrownDiamond: {TeamBV: mustDecimal("1000000"), LeftBV: mustDecimal("480000"), RightBV: mustDecimal("480000"), DirectRecruits: 12},
		RankFounder:      {TeamBV: mustDecimal("2500000"), LeftBV: mustDecimal("1200000"), RightBV: mustDecimal("1200000"), DirectRecruits: 15},
	}}
}

type rankPlanYAML struct {
	Version int `yaml:"version"`
	Tiers   []struct {
		Rank           string `yaml:"rank"`
		TeamBV         string `yaml:"team_bv"`
		LeftBV         string `yaml:"left_bv"`
		RightBV        string `yaml:"right_bv"`
		DirectRecruits int    `yaml:"direct_recruits"`
	} `yaml:"tiers"`
}

// ParseRankPlanYAML reads a threshold table. Every tier above the entry
// rank must appear exactly once; amounts are decimal strings.
func ParseRankPlanYAML(b []byte) (RankPlan, error) {
	var doc rankPlanYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return RankPlan{}, err
	}
	if doc.Version != 1 {
		return RankPlan{}, errors.New("rankplan: unsupported version")
	}

	reqs := make(map[Rank]RankRequirement, len(doc.Tiers))
	for _, t := range doc.Tiers {
		rank, ok := ParseRank(t.Rank)
		if !ok {
			return RankPlan{}, fmt.Errorf("rankplan: unknown rank %q", t.Rank)
		}
		if rank == rankOrder[0] {
			return RankPlan{}, fmt.Errorf("rankplan: entry rank %q takes no requirement", t.Rank)
		}
		if _, dup := reqs[rank]; dup {
			return RankPlan{}, fmt.Errorf("rankplan: duplicate rank %q", t.Rank)
		}
		team, err := decimal.NewFromString(t.TeamBV)
		if err != nil {
			return RankPlan{}, fmt.Errorf("rankplan: %s team_bv: %w", t.Rank, err)
		}
		left, err := decimal.NewFromString(t.LeftBV)
		if err != nil {
			return RankPlan{}, fmt.Errorf("rankplan: %s left_bv: %w", t.Rank, err)
		}
		right, err := decimal.NewFromString(t.RightBV)
		if err != nil {
			return RankPlan{}, fmt.Errorf("rankplan: %s right_bv: %w", t.Rank, err)
		}
		if t.DirectRecruits < 0 {
			return RankPlan{}, fmt.Errorf("rankplan: %s direct_recruits negative", t.Rank)
		}
		reqs[rank] = RankRequirement{TeamBV: team, LeftBV: left, RightBV: right, DirectRecruits: t.DirectRecruits}
	}

	for _, rank := range rankOrder[1:] {
		if _, ok := reqs[rank]; !ok {
			return RankPlan{}, fmt.Errorf("rankplan: missing rank %q", rank)
		}
	}

	plan := RankPlan{requirements: reqs}
	if err := plan.validateMonotone(); err != nil {
		return RankPlan{}, err
	}
	return plan, nil
}

// LoadRankPlan reads the plan at path, or the built-in defaults when path
// is empty.
func LoadRankPlan(path string) (RankPlan, error) {
	if path == "" {
		return DefaultRankPlan(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return RankPlan{}, err
	}
	return ParseRankPlanYAML(b)
}

// validateMonotone rejects plans where a higher tier is easier to reach
// than a lower one on any metric.
func (p RankPlan) validateMonotone() error {
	for i := 2; i < len(rankOrder); i++ {
		lower := p.requirements[rankOrder[i-1]]
		higher := p.requirements[rankOrder[i]]
		if higher.TeamBV.LessThan(lower.TeamBV) ||
			higher.LeftBV.LessThan(lower.LeftBV) ||
			higher.RightBV.LessThan(lower.RightBV) ||
			higher.DirectRecruits < lower.DirectRecruits {
			return fmt.Errorf("rankplan: %s thresholds below %s", rankOrder[i], rankOrder[i-1])
		}
	}
	return nil
}
