package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the slot a node occupies under its tree parent. The empty
// value is reserved for the root, which occupies no slot.
type Position string

const (
	PositionLeft  Position = "left"
	PositionRight Position = "right"
)

func ParsePosition(raw string) (Position, bool) {
	switch Position(raw) {
	case PositionLeft, PositionRight:
		return Position(raw), true
	default:
		return "", false
	}
}

// Opposite returns the other leg.
func (p Position) Opposite() Position {
	if p == PositionLeft {
		return PositionRight
	}
	return PositionLeft
}

type PlacementMode string

const (
	// PlacementModeAuto searches the sponsor's requested-side line for the
	// first empty slot (spillover).
	PlacementModeAuto PlacementMode = "auto"
	// PlacementModeStrategic targets an explicit parent and side and fails
	// if that slot is taken.
	PlacementModeStrategic PlacementMode = "strategic"
	// PlacementModeRoot places the first member of a tenant's tree.
	PlacementModeRoot PlacementMode = "root"
)

func ParsePlacementMode(raw string) (PlacementMode, bool) {
	switch PlacementMode(raw) {
	case PlacementModeAuto, PlacementModeStrategic, PlacementModeRoot:
		return PlacementMode(raw), true
	default:
		return "", false
	}
}

// MemberNode is one member's position and accumulated volume in the binary
// tree. SponsorUUID records who recruited the member and never changes;
// ParentUUID is whoever's empty slot the member filled, which may differ
// from the sponsor after spillover. ParentUUID, Position and Level are
// fixed at creation. BV accumulators and CurrentRank only ever grow.
type MemberNode struct {
	MemberUUID     string
	SponsorUUID    string   // empty for the root
	ParentUUID     string   // empty for the root
	Position       Position // empty for the root
	Level          int
	LeftChildUUID  string
	RightChildUUID string

	LeftBV  decimal.Decimal
	RightBV decimal.Decimal
	TotalBV decimal.Decimal

	TotalDirects int
	LeftDirects  int
	RightDirects int

	CurrentRank Rank
	CreatedAt   time.Time
}

// IsRoot reports whether the node is the tree root.
func (n MemberNode) IsRoot() bool { return n.ParentUUID == "" }

// ChildUUID returns the occupant of the given slot, empty if vacant.
func (n MemberNode) ChildUUID(p Position) string {
	if p == PositionLeft {
		return n.LeftChildUUID
	}
	return n.RightChildUUID
}

// AncestorUpdate is one ancestor's state after a purchase has been
// propagated: the leg the credit arrived on and the resulting totals.
type AncestorUpdate struct {
	AncestorUUID string
	LegCredited  Position
	NewLeftBV    decimal.Decimal
	NewRightBV   decimal.Decimal
	NewTotalBV   decimal.Decimal
	NewRank      Rank
	RankAdvanced bool
}
