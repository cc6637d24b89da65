package ports

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
)

var (
	ErrMemberNotFound  = errors.New("genealogy: member not found")
	ErrSponsorNotFound = errors.New("genealogy: sponsor not found")
	ErrBuyerNotFound   = errors.New("genealogy: buyer not found")
	ErrSlotOccupied    = errors.New("genealogy: slot occupied")
	ErrRootExists      = errors.New("genealogy: root already placed")
	ErrRootNotFound    = errors.New("genealogy: root not found")
	ErrCycleDetected   = errors.New("genealogy: parent chain cycle detected")
	// ErrConcurrentPlacementConflict is returned when a placement lost its
	// race and exhausted its re-resolve retries. Callers may retry the
	// whole operation.
	ErrConcurrentPlacementConflict = errors.New("genealogy: concurrent placement conflict")
)

// LegCredit names one ancestor a purchase credits and the leg the walk
// arrived on (the previous node's position under that ancestor).
type LegCredit struct {
	AncestorUUID string
	Leg          types.Position
}

// RankFunc re-evaluates a rank against an ancestor's post-credit node
// state. Stores call it inside the propagation unit of work so the rank
// written is the one the just-credited totals justify.
type RankFunc func(n types.MemberNode) (types.Rank, bool)

// NewNode carries the coordinates for a node about to be created. Parent
// and position are empty only for the root.
type NewNode struct {
	MemberUUID  string
	SponsorUUID string
	ParentUUID  string
	Position    types.Position
	Level       int
}

// TreeStore is the narrow persistence contract the placement and
// propagation logic depends on. Implementations must make CreateNode
// atomic with respect to slot occupancy (a unique (parent, position)
// constraint or equivalent) and ApplyPropagation all-or-nothing per call.
type TreeStore interface {
	GetNode(ctx context.Context, tenantID string, memberUUID string) (types.MemberNode, error)
	GetRoot(ctx context.Context, tenantID string) (types.MemberNode, error)
	ListNodes(ctx context.Context, tenantID string) ([]types.MemberNode, error)

	// CreateNode inserts the node, points the parent's child slot at it and
	// bumps the sponsor's direct counters, all in one unit. Returns
	// ErrSlotOccupied if the slot was filled since the caller resolved it,
	// ErrRootExists for a second root.
	CreateNode(ctx context.Context, tenantID string, n NewNode) (types.MemberNode, error)

	// ApplyPropagation credits bv onto each named leg and re-evaluates
	// each ancestor's rank via rank, as one unit of work: every credit is
	// read-modify-written under the store's own lock or transaction so
	// concurrent purchases sharing an ancestor both land, and either every
	// ancestor is written or none are. Returns the resulting per-ancestor
	// state in credit order.
	ApplyPropagation(ctx context.Context, tenantID string, buyerUUID string, purchaseUUID string, bv decimal.Decimal, credits []LegCredit, rank RankFunc) ([]types.AncestorUpdate, error)
}
